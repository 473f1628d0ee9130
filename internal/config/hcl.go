package config

import (
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/23skdu/longbow-diffusion/internal/errs"
)

// File is a decoded scheduler file:
//
//	scheduler "ddim" {
//	  num_train_timesteps = 1000
//	  beta_schedule       = "scaled_linear"
//	}
type File struct {
	Kind   string
	Config SchedulerConfig
}

type hclFile struct {
	Schedulers []*hclScheduler `hcl:"scheduler,block"`
}

type hclScheduler struct {
	Kind string   `hcl:"kind,label"`
	Body hcl.Body `hcl:",remain"`
}

// LoadFile reads and decodes an HCL scheduler file.
func LoadFile(path string) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Config("read %s: %v", path, err)
	}
	return ParseHCL(src, path)
}

// ParseHCL decodes a single scheduler block. Attributes are evaluated without
// variables and routed through FromMap, so unknown attributes land in Extra.
func ParseHCL(src []byte, filename string) (*File, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errs.Config("parse %s: %s", filename, diags.Error())
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(f.Body, nil, &parsed); diags.HasErrors() {
		return nil, errs.Config("decode %s: %s", filename, diags.Error())
	}
	if len(parsed.Schedulers) != 1 {
		return nil, errs.Config("%s: expected exactly one scheduler block, found %d", filename, len(parsed.Schedulers))
	}

	block := parsed.Schedulers[0]
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, errs.Config("decode %s: %s", filename, diags.Error())
	}

	values := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		v, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, errs.Config("%s: attribute %q: %s", filename, name, diags.Error())
		}
		gv, err := ctyToGo(v)
		if err != nil {
			return nil, errs.Config("%s: attribute %q: %v", filename, name, err)
		}
		values[name] = gv
	}

	cfg, err := FromMap(values)
	if err != nil {
		return nil, err
	}
	return &File{Kind: block.Kind, Config: cfg}, nil
}

func ctyToGo(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, errs.Config("null or unknown value")
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty == cty.Number:
		f, _ := v.AsBigFloat().Float64()
		return f, nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		var out []any
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			gv, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	case ty.IsMapType() || ty.IsObjectType():
		out := make(map[string]any)
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			gv, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = gv
		}
		return out, nil
	default:
		return nil, errs.Config("unsupported type %s", ty.FriendlyName())
	}
}
