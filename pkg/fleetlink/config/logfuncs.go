package config

import (
	"fmt"

	"github.com/tsarna/go2cty2go"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GetLogFunctions returns log_debug, log_info, log_warn and log_error. Each
// takes a message and optional field values and returns true, so they can
// be used in an assert condition:
//
//	log_info("Fleet loaded", { devices = length(fleet) })
//
// A single object argument supplies named fields; other arguments are
// logged as $1, $2 and so on.
func GetLogFunctions(logger *zap.Logger) map[string]function.Function {
	return map[string]function.Function{
		"log_debug": makeLogFunc(logger, zapcore.DebugLevel),
		"log_info":  makeLogFunc(logger, zapcore.InfoLevel),
		"log_warn":  makeLogFunc(logger, zapcore.WarnLevel),
		"log_error": makeLogFunc(logger, zapcore.ErrorLevel),
	}
}

func makeLogFunc(logger *zap.Logger, level zapcore.Level) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "message", Type: cty.String},
		},
		VarParam: &function.Parameter{
			Name:      "fields",
			Type:      cty.DynamicPseudoType,
			AllowNull: true,
		},
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			logger.Log(level, args[0].AsString(), logFields(args[1:])...)
			return cty.True, nil
		},
	})
}

func logFields(args []cty.Value) []zap.Field {
	if len(args) == 1 && !args[0].IsNull() && args[0].Type().IsObjectType() {
		fields := make([]zap.Field, 0, args[0].LengthInt())
		for name, val := range args[0].AsValueMap() {
			fields = append(fields, logField(name, val))
		}
		return fields
	}

	fields := make([]zap.Field, 0, len(args))
	for i, arg := range args {
		fields = append(fields, logField(fmt.Sprintf("$%d", i+1), arg))
	}
	return fields
}

func logField(name string, val cty.Value) zap.Field {
	if val.IsNull() {
		return zap.String(name, "<null>")
	}
	converted, err := go2cty2go.CtyToAny(val)
	if err != nil {
		return zap.String(name, val.GoString())
	}
	return zap.Any(name, converted)
}
