package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/schoolpower/powers/pkg/models"
)

type chargeArgs struct {
	Capability    string `json:"capability"`
	Items         int    `json:"items"`
	ActivityID    string `json:"activity_id"`
	ActivityTitle string `json:"activity_title"`
}

type limitArgs struct {
	Limit int `json:"limit"`
}

type sinceArgs struct {
	Since string `json:"since"`
}

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"powers_balance":      handleBalance,
	"powers_charge":       handleCharge,
	"powers_estimate":     handleEstimate,
	"powers_transactions": handleTransactions,
	"powers_statement":    handleStatement,
	"powers_pending":      handlePending,
	"powers_abandoned":    handleAbandoned,
}

func capabilitySchema(required ...string) map[string]any {
	return map[string]any{
		"type":     "object",
		"required": required,
		"properties": map[string]any{
			"capability": map[string]any{
				"type":        "string",
				"description": "Capability id, e.g. criar_atividade",
			},
			"items": map[string]any{
				"type":        "integer",
				"description": "Number of items (defaults to 1)",
			},
			"activity_id": map[string]any{
				"type":        "string",
				"description": "Activity the charge belongs to (optional)",
			},
			"activity_title": map[string]any{
				"type":        "string",
				"description": "Activity title used in the description (optional)",
			},
		},
	}
}

var allTools = []ToolDefinition{
	{
		Name:        "powers_balance",
		Description: "Show available and used Powers and the daily limit.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "powers_charge",
		Description: "Charge Powers for a capability. Fails when the balance does not cover it.",
		InputSchema: capabilitySchema("capability"),
	},
	{
		Name:        "powers_estimate",
		Description: "Show what a capability would cost without charging.",
		InputSchema: capabilitySchema("capability"),
	},
	{
		Name:        "powers_transactions",
		Description: "List recent charges, newest first.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum rows (optional, defaults to 20)",
				},
			},
		},
	},
	{
		Name:        "powers_statement",
		Description: "Show the statement of credit changes.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "powers_pending",
		Description: "List debits still waiting for confirmation by the ledger.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "powers_abandoned",
		Description: "List debits dropped after exhausting retries.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"since": map[string]any{
					"type":        "string",
					"description": "Start date in YYYY-MM-DD format (optional, defaults to 7 days ago)",
				},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func decode(raw json.RawMessage, v any) {
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, v)
	}
}

func handleBalance(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatBalance(s.powers.Balance(), len(s.powers.Pending())))
}

func handleCharge(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args chargeArgs
	decode(raw, &args)
	if args.Capability == "" {
		return errorResult("capability is required")
	}
	if args.Items == 0 {
		args.Items = 1
	}
	res, err := s.powers.Charge(ctx, args.Capability, args.Items, models.ChargeMetadata{
		ActivityID:    args.ActivityID,
		ActivityTitle: args.ActivityTitle,
	})
	if err != nil {
		return errorResult("Charge failed: " + err.Error())
	}
	return textResult(formatCharge(res))
}

func handleEstimate(_ context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	var args chargeArgs
	decode(raw, &args)
	if args.Capability == "" {
		return errorResult("capability is required")
	}
	if args.Items == 0 {
		args.Items = 1
	}
	cost, err := s.powers.EstimatedCost(args.Capability, args.Items)
	if err != nil {
		return errorResult("Error estimating cost: " + err.Error())
	}
	available := s.powers.Balance().Available
	return textResult(formatEstimate(args.Capability, args.Items, cost, available))
}

func handleTransactions(_ context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	args := limitArgs{Limit: 20}
	decode(raw, &args)
	return textResult(formatTransactions(s.powers.Transactions(args.Limit)))
}

func handleStatement(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatStatement(s.powers.Statement()))
}

func handlePending(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	return textResult(formatPending(s.powers.Pending()))
}

func handleAbandoned(ctx context.Context, s *Server, raw json.RawMessage) ToolCallResult {
	if s.journal == nil {
		return textResult("Sync journal is not configured.")
	}
	var args sinceArgs
	decode(raw, &args)
	since := time.Now().UTC().AddDate(0, 0, -7)
	if args.Since != "" {
		t, err := time.Parse("2006-01-02", args.Since)
		if err != nil {
			return errorResult("Invalid since date (use YYYY-MM-DD): " + err.Error())
		}
		since = t
	}
	events, err := s.journal.Abandoned(ctx, since)
	if err != nil {
		return errorResult("Error reading sync journal: " + err.Error())
	}
	return textResult(formatSyncEvents(events))
}
