package tools

import (
	"net/http"
	"time"

	"github.com/cloudwego/eino/components/tool"

	"github.com/threadchat/server/internal/agent/model"
)

const (
	ToolCalculator = "calculator"
	ToolWebSearch  = "web_search"
)

// GetLocalTools returns the in-process tools enabled by cfg.
func GetLocalTools(cfg model.ToolsConfig) []tool.BaseTool {
	out := []tool.BaseTool{createCalculatorTool()}
	if cfg.SearchEnabled {
		out = append(out, createWebSearchTool(&http.Client{Timeout: 10 * time.Second}, cfg.SearchEndpoint))
	}
	return out
}
