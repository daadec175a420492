<entire new file contents>
=== END FILE ===

Rules:
- Paths are relative to the repository root and must be among the planned targets.
- Always return the whole file, never a diff or an excerpt.
- For an "append" target, return only the code to add; it is appended to the end of the file.
- Do not write anything outside FILE blocks except a short summary line.`

const implementTemplate = `# Implement recommendation {{rec_id}}: {{title}}

{{#if description}}
## Description
{{description}}
{{/if}}

## Plan
{{brief}}

Primary language: {{language}}
{{#if imports}}
Imports already used by the targets:
{{imports}}
{{/if}}

The current contents of the target files are attached after these instructions.

` + outputContract + `
`

const repairTemplate = `# Repair generated code for {{rec_id}}: {{title}}

Your previous attempt (attempt {{attempt}}) was rejected because it did not pass validation:

{{validation_errors}}

Fix these problems and return the corrected files.

## Plan
{{brief}}

Primary language: {{language}}

## Previous Output
{{previous_output}}

The current contents of the target files are attached after these instructions.

` + outputContract + `
`
