package domain

// ExtractionSchema is a named JSON Schema an extract job's result must satisfy.
type ExtractionSchema struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	OrganizationID string         `json:"organizationId,omitempty" yaml:"organization_id"`
	JSONSchema     map[string]any `json:"jsonSchema" yaml:"json_schema"`
}

// OCRResult is the output of the text-extraction collaborator.
type OCRResult struct {
	Markdown  string
	PageCount int
}

// ExtractionRequest is the input of the LLM extraction collaborator.
type ExtractionRequest struct {
	Markdown string
	Schema   map[string]any
	Model    string
	Provider string
}

// SourceDocument is the fetched input of a job.
type SourceDocument struct {
	Data     []byte
	MimeType string
	FileName string
}
