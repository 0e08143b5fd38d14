package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
)

// Rule routes matching trigger events to an extra scheduler topic.
//
// When is a govaluate expression over the flattened event, e.g.
// `type == "pr-comment" && [account.username] != "zuul"`. The function
// jsonpath(event, "$.path") reads values from the unflattened event.
type Rule struct {
	When    string   `yaml:"when"`
	Emit    string   `yaml:"emit"`
	Drivers []string `yaml:"drivers"`
}

// RuleMatch is a topic selected for an event, optionally restricted to drivers.
type RuleMatch struct {
	Topic   string
	Drivers []string
}

type compiledRule struct {
	emit    string
	drivers []string
	expr    *govaluate.EvaluableExpression
}

type RuleEngine struct {
	rules  []compiledRule
	logger *log.Logger
}

var ruleFunctions = map[string]govaluate.ExpressionFunction{
	"jsonpath": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, errors.New("jsonpath expects (event, path)")
		}
		path, ok := args[1].(string)
		if !ok {
			return nil, fmt.Errorf("jsonpath path must be a string, got %T", args[1])
		}
		value, err := jsonpath.Get(path, args[0])
		if err != nil {
			return nil, nil
		}
		return value, nil
	},
}

func NewRuleEngine(rules []Rule, logger *log.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = NewLogger("rules")
	}
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(rule.When, ruleFunctions)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		compiled = append(compiled, compiledRule{emit: rule.Emit, drivers: rule.Drivers, expr: expr})
	}
	return &RuleEngine{rules: compiled, logger: logger}, nil
}

// Evaluate returns the topics of every rule matching the event, in rule order.
func (r *RuleEngine) Evaluate(event TriggerEvent) []RuleMatch {
	if r == nil || len(r.rules) == 0 {
		return nil
	}

	document, err := eventDocument(event)
	if err != nil {
		r.logger.Printf("rule input failed: %v", err)
		return nil
	}
	params := Flatten(document)
	params["event"] = document

	matches := make([]RuleMatch, 0, 1)
	for _, rule := range r.rules {
		result, err := rule.expr.Evaluate(params)
		if err != nil {
			r.logger.Printf("rule eval failed: %v", err)
			continue
		}
		if ok, _ := result.(bool); ok {
			matches = append(matches, RuleMatch{Topic: rule.emit, Drivers: rule.drivers})
		}
	}
	return matches
}

func eventDocument(event TriggerEvent) (map[string]interface{}, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	var document map[string]interface{}
	if err := json.Unmarshal(raw, &document); err != nil {
		return nil, err
	}
	return document, nil
}
