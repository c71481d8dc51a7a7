package models

import "io"

// FileUpload is one file sent with an attachment upload.
type FileUpload struct {
	Name string
	Body io.Reader
}
