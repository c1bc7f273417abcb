package models

// ReportEntry is one post as serialized into the completion prompt,
// matching the {text, upvotes, date} tuples the summarizer expects.
type ReportEntry struct {
	Text    string `json:"text"`
	Upvotes int    `json:"upvotes"`
	Date    string `json:"date"`
}

// Report is a finished digest. Text is the raw completion output;
// consumers decompose it into paragraphs for display.
type Report struct {
	Text      string
	PostCount int
}
