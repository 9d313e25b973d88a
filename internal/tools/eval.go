package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/ext"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Evaluator limits.
const (
	DefaultEvalTimeout   = 2 * time.Second
	DefaultEvalCostLimit = 1_000_000
)

// Evaluator runs CEL expressions for the evaluate tool. Expressions see
// a single string variable, input, plus the string, encoder, math, list
// and set extensions. They cannot reach the draft, the network or the
// filesystem.
type Evaluator struct {
	env       *cel.Env
	timeout   time.Duration
	costLimit uint64
}

// NewEvaluator creates an evaluator. A non-positive timeout uses
// [DefaultEvalTimeout].
func NewEvaluator(timeout time.Duration) (*Evaluator, error) {
	if timeout <= 0 {
		timeout = DefaultEvalTimeout
	}
	env, err := cel.NewEnv(
		cel.Variable("input", cel.StringType),
		ext.Strings(),
		ext.Encoders(),
		ext.Math(),
		ext.Lists(),
		ext.Sets(),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Evaluator{env: env, timeout: timeout, costLimit: DefaultEvalCostLimit}, nil
}

var structValueType = reflect.TypeOf(&structpb.Value{})

// Evaluate compiles and runs expr. String results are returned as is;
// anything else is encoded as JSON.
func (e *Evaluator) Evaluate(ctx context.Context, expr, input string) (string, error) {
	if strings.TrimSpace(expr) == "" {
		return "", errors.New("expression is empty")
	}

	ast, iss := e.env.Compile(expr)
	if iss.Err() != nil {
		return "", fmt.Errorf("compile: %w", iss.Err())
	}
	prg, err := e.env.Program(ast,
		cel.CostLimit(e.costLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return "", fmt.Errorf("program: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, _, err := prg.ContextEval(ctx, map[string]any{"input": input})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("evaluation timed out after %s", e.timeout)
		}
		return "", fmt.Errorf("evaluate: %w", err)
	}

	switch v := out.(type) {
	case types.String:
		return string(v), nil
	case types.Bytes:
		return string(v), nil
	}

	native, err := out.ConvertToNative(structValueType)
	if err != nil {
		return "", fmt.Errorf("convert %s result: %w", out.Type().TypeName(), err)
	}
	data, err := protojson.Marshal(native.(*structpb.Value))
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	// protojson output spacing is unstable.
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return buf.String(), nil
}

type evaluateArgs struct {
	Expression string `json:"expression" jsonschema_description:"CEL expression. The variable input holds the input string. Example: base64.encode(bytes(input))"`
	Input      string `json:"input,omitempty" jsonschema_description:"Value bound to the input variable."`
}

func evaluateTool() *Tool {
	return Define("evaluate",
		"Evaluate a CEL expression for encoding, decoding or computing payloads. "+
			"Available: string functions, base64.encode/decode, math, lists and sets. No network or file access.",
		func(ctx context.Context, env *Env, a *evaluateArgs) (any, error) {
			if env == nil || env.Evaluator == nil {
				return nil, errors.New("the evaluator is not available")
			}
			return env.Evaluator.Evaluate(ctx, a.Expression, a.Input)
		},
		func(a *evaluateArgs, result any, err error) Summary {
			if err != nil {
				return Summary{Message: "Evaluation failed"}
			}
			out, _ := result.(string)
			return Summary{
				Icon:    IconCalc,
				Message: "Evaluated " + truncateLine(a.Expression, 80),
				Details: truncateLine(out, 120),
			}
		})
}
