package tools

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"

	"github.com/threadchat/server/internal/agent/model"
)

func createCalculatorTool() tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{
			Name: ToolCalculator,
			Desc: "Perform a basic operation on two numbers. Supported operations: add, sub, mul, div.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"a": {
					Type:     schema.Number,
					Desc:     "First operand",
					Required: true,
				},
				"b": {
					Type:     schema.Number,
					Desc:     "Second operand",
					Required: true,
				},
				"operation": {
					Type:     schema.String,
					Desc:     "One of add, sub, mul, div",
					Enum:     []string{"add", "sub", "mul", "div"},
					Required: true,
				},
			}),
		},
		func(ctx context.Context, in *model.CalculatorInput) (any, error) {
			return calculate(in), nil
		},
	)
}

// calculate reports bad operands as an error payload the model can read.
func calculate(in *model.CalculatorInput) any {
	switch strings.ToLower(strings.TrimSpace(in.Operation)) {
	case "add":
		return in.A + in.B
	case "sub":
		return in.A - in.B
	case "mul":
		return in.A * in.B
	case "div":
		if in.B == 0 {
			return map[string]string{"error": "Can not divide number by Zero"}
		}
		return in.A / in.B
	default:
		return map[string]string{"error": "Unsupported operation: " + in.Operation}
	}
}
