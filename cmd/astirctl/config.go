package main

import (
	"encoding/json"
	"fmt"
	"os"

	"astir/pkg/astir"
)

// loadRunRequestFromConfig reads a flat JSON object such as
//
//	{"expression_path": "expr.csv", "marker_path": "markers.yml", "epochs": 200}
//
// Unknown keys are ignored.
func loadRunRequestFromConfig(path string) (astir.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return astir.RunRequest{}, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return astir.RunRequest{}, err
	}

	var req astir.RunRequest
	if v, ok := asString(raw["expression_path"]); ok {
		req.ExpressionPath = v
	}
	if v, ok := asString(raw["marker_path"]); ok {
		req.MarkerPath = v
	}
	if v, ok := asInt(raw["epochs"]); ok {
		if v <= 0 {
			return astir.RunRequest{}, fmt.Errorf("config epochs must be > 0, got %d", v)
		}
		req.Epochs = v
	}
	if v, ok := asFloat64(raw["learning_rate"]); ok {
		req.LearningRate = v
	}
	if v, ok := asInt(raw["batch_size"]); ok {
		req.BatchSize = v
	}
	if v, ok := asString(raw["loss_aggregation"]); ok {
		req.LossAggregation = v
	}
	if v, ok := asInt64(raw["seed"]); ok {
		req.Seed = v
	}
	if v, ok := asInt(raw["hidden"]); ok {
		req.Hidden = v
	}
	if v, ok := asString(raw["activation"]); ok {
		req.Activation = v
	}
	return req, nil
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		return int(x), true
	default:
		return 0, false
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

// overrideFromFlags applies explicitly set flags on top of a config-derived request.
func overrideFromFlags(req *astir.RunRequest, set map[string]bool, flagValue map[string]any) {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "expr":
			req.ExpressionPath = v.(string)
		case "markers":
			req.MarkerPath = v.(string)
		case "epochs":
			req.Epochs = v.(int)
		case "lr":
			req.LearningRate = v.(float64)
		case "batch-size":
			req.BatchSize = v.(int)
		case "loss-aggregation":
			req.LossAggregation = v.(string)
		case "seed":
			req.Seed = v.(int64)
		case "hidden":
			req.Hidden = v.(int)
		case "activation":
			req.Activation = v.(string)
		}
	}
}

func loadOrDefaultRunRequest(configPath string) (astir.RunRequest, error) {
	if configPath == "" {
		return astir.RunRequest{}, nil
	}
	req, err := loadRunRequestFromConfig(configPath)
	if err != nil {
		return astir.RunRequest{}, fmt.Errorf("load config: %w", err)
	}
	return req, nil
}
