package model

// CalculatorInput is the argument schema of the calculator tool.
type CalculatorInput struct {
	A         float64 `json:"a"`
	B         float64 `json:"b"`
	Operation string  `json:"operation"`
}

// SearchInput is the argument schema of the web search tool.
type SearchInput struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

type SearchOutput struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
}

// ToolErrorResult is the payload of a tool result that reports a failure to the model.
type ToolErrorResult struct {
	Error   string `json:"error"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
}
