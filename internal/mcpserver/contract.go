package mcpserver

// NoteContract describes how draft notes behave, for LLM clients that write them.
const NoteContract = `# Draft Note Contract

A draft note is one reviewer's unpublished comment on one version of a shot or asset.

## Rules

1. **One note per reviewer per version.** Saving again replaces the content; it never appends.
2. **Blank content deletes.** Saving empty or whitespace-only content removes the note and its attachments.
3. **Versions are recorded on first save.** Pass ` + "`" + `project_id` + "`" + `, ` + "`" + `step_name` + "`" + `
   and ` + "`" + `version_name` + "`" + ` when the version may be new; later saves may omit them.
4. **Attachments belong to an existing note.** Create the note first, then attach.
5. **Only the owner** may add or remove attachments on a note.
6. Reviewers watching a version see saves as they happen; nothing is merged, the last save wins.

## Attachments

- Files are sent as base64 data URIs (` + "`" + `data:image/png;base64,...` + "`" + `) up to 10 MB.
- Supported formats: png, jpg, jpeg, gif, webp, svg, pdf. Content must match the extension.
- Plain http or https URLs are stored as links and are not downloaded.

## Scope

` + "`" + `list_draft_notes` + "`" + ` takes a project and a step name. The step name ` + "`" + `All` + "`" + `
returns every step of the project.
`
