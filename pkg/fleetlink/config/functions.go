package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-cty-funcs/cidr"
	"github.com/hashicorp/go-cty-funcs/crypto"
	"github.com/hashicorp/go-cty-funcs/encoding"
	"github.com/hashicorp/go-cty-funcs/filesystem"
	"github.com/hashicorp/go-cty-funcs/uuid"
	"github.com/itchyny/gojq"
	"github.com/tsarna/go-structdiff"
	"github.com/tsarna/go2cty2go"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	"go.uber.org/zap"
)

// GetFunctions returns the functions available to configuration
// expressions.
func GetFunctions(logger *zap.Logger) map[string]function.Function {
	funcs := map[string]function.Function{
		// strings
		"upper":     stdlib.UpperFunc,
		"lower":     stdlib.LowerFunc,
		"title":     stdlib.TitleFunc,
		"substr":    stdlib.SubstrFunc,
		"strlen":    stdlib.StrlenFunc,
		"split":     stdlib.SplitFunc,
		"join":      stdlib.JoinFunc,
		"chomp":     stdlib.ChompFunc,
		"trim":      stdlib.TrimFunc,
		"trimspace": stdlib.TrimSpaceFunc,
		"replace":   stdlib.ReplaceFunc,
		"regex":     stdlib.RegexFunc,
		"format":    stdlib.FormatFunc,

		// numbers
		"abs":   stdlib.AbsoluteFunc,
		"ceil":  stdlib.CeilFunc,
		"floor": stdlib.FloorFunc,
		"max":   stdlib.MaxFunc,
		"min":   stdlib.MinFunc,

		// collections
		"coalesce": stdlib.CoalesceFunc,
		"compact":  stdlib.CompactFunc,
		"concat":   stdlib.ConcatFunc,
		"contains": stdlib.ContainsFunc,
		"distinct": stdlib.DistinctFunc,
		"flatten":  stdlib.FlattenFunc,
		"keys":     stdlib.KeysFunc,
		"length":   stdlib.LengthFunc,
		"lookup":   stdlib.LookupFunc,
		"merge":    stdlib.MergeFunc,
		"range":    stdlib.RangeFunc,
		"sort":     stdlib.SortFunc,
		"values":   stdlib.ValuesFunc,

		// conversion
		"tostring": stdlib.MakeToFunc(cty.String),
		"tonumber": stdlib.MakeToFunc(cty.Number),
		"tobool":   stdlib.MakeToFunc(cty.Bool),
		"tolist":   stdlib.MakeToFunc(cty.List(cty.DynamicPseudoType)),

		// encoding
		"csvdecode":    stdlib.CSVDecodeFunc,
		"jsondecode":   stdlib.JSONDecodeFunc,
		"jsonencode":   stdlib.JSONEncodeFunc,
		"base64decode": encoding.Base64DecodeFunc,
		"base64encode": encoding.Base64EncodeFunc,
		"urlencode":    encoding.URLEncodeFunc,

		// time
		"formatdate": stdlib.FormatDateFunc,
		"timeadd":    stdlib.TimeAddFunc,

		// network, hashing, files and ids
		"cidrhost":   cidr.HostFunc,
		"cidrsubnet": cidr.SubnetFunc,
		"md5":        crypto.Md5Func,
		"sha1":       crypto.Sha1Func,
		"sha256":     crypto.Sha256Func,
		"sha512":     crypto.Sha512Func,
		"bcrypt":     crypto.BcryptFunc,
		"abspath":    filesystem.AbsPathFunc,
		"basename":   filesystem.BasenameFunc,
		"dirname":    filesystem.DirnameFunc,
		"pathexpand": filesystem.PathExpandFunc,
		"uuidv4":     uuid.V4Func,
		"uuidv5":     uuid.V5Func,

		"diff":   DiffFunc,
		"jq":     JqFunc,
		"typeof": TypeOfFunc,
	}

	for name, fn := range GetLogFunctions(logger) {
		funcs[name] = fn
	}

	return funcs
}

// TypeOfFunc returns the friendly name of a value's type.
var TypeOfFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "value", Type: cty.DynamicPseudoType, AllowNull: true},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		return cty.StringVal(args[0].Type().FriendlyName()), nil
	},
})

// DiffFunc returns the fields of b that differ from a.
//
//	diff({battery = 80, status = "online"}, {battery = 75, status = "online"}) == {battery = 75}
var DiffFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "a", Type: cty.DynamicPseudoType},
		{Name: "b", Type: cty.DynamicPseudoType},
	},
	Type: function.StaticReturnType(cty.DynamicPseudoType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		a, err := go2cty2go.CtyToAny(args[0])
		if err != nil {
			return cty.NilVal, fmt.Errorf("unable to convert first argument: %w", err)
		}
		b, err := go2cty2go.CtyToAny(args[1])
		if err != nil {
			return cty.NilVal, fmt.Errorf("unable to convert second argument: %w", err)
		}

		delta, err := structdiff.Diff(a, b)
		if err != nil {
			return cty.NilVal, fmt.Errorf("unable to diff values: %w", err)
		}

		return go2cty2go.AnyToCty(delta)
	},
})

// JqFunc runs a jq program over a value and returns its first output, or
// null when there is none.
//
//	jq("[.[] | select(.critical) | .id]", fleet)
var JqFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "query", Type: cty.String},
		{Name: "input", Type: cty.DynamicPseudoType},
	},
	Type: function.StaticReturnType(cty.DynamicPseudoType),
	Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
		query, err := gojq.Parse(args[0].AsString())
		if err != nil {
			return cty.NilVal, fmt.Errorf("failed to parse jq query: %w", err)
		}

		raw, err := ctyjson.Marshal(args[1], args[1].Type())
		if err != nil {
			return cty.NilVal, err
		}
		var input any
		if err := json.Unmarshal(raw, &input); err != nil {
			return cty.NilVal, err
		}

		result, ok := query.RunWithContext(context.Background(), input).Next()
		if !ok {
			return cty.NullVal(cty.DynamicPseudoType), nil
		}
		if err, isErr := result.(error); isErr {
			return cty.NilVal, fmt.Errorf("jq query failed: %w", err)
		}

		out, err := json.Marshal(result)
		if err != nil {
			return cty.NilVal, err
		}
		typ, err := ctyjson.ImpliedType(out)
		if err != nil {
			return cty.NilVal, err
		}
		return ctyjson.Unmarshal(out, typ)
	},
})
