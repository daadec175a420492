package prompt

// Template names.
const (
	Implement = "implement.md"
	Repair    = "repair.md"
)

var builtinTemplates = map[string]string{
	Implement: implementTemplate,
	Repair:    repairTemplate,
}

const outputContract = `## Output Format
Return every file you change or create as a complete file, exactly like this:
