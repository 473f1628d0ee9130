package scheduler

import (
	"maps"

	"github.com/23skdu/longbow-diffusion/internal/config"
	"github.com/23skdu/longbow-diffusion/internal/errs"
)

// ClassNameKey names the variant inside an exported config map.
const ClassNameKey = "_class_name"

// ConfigOf exports the construction config of alg, tagged with its class
// name. Unrecognised keys it was built with are carried along.
func ConfigOf(alg Algorithm) map[string]any {
	m := alg.Config().ToMap()
	m[ClassNameKey] = alg.Kind().ClassName()
	return m
}

// FromConfigMap builds the variant named by the map's class name. When the
// name is absent, fallback is used.
func FromConfigMap(m map[string]any, fallback Kind) (Algorithm, error) {
	kind := fallback
	rest := maps.Clone(m)
	if raw, ok := rest[ClassNameKey]; ok {
		name, isString := raw.(string)
		if !isString {
			return nil, errs.Config("%s must be a string, got %T", ClassNameKey, raw)
		}
		k, err := ParseKind(name)
		if err != nil {
			return nil, err
		}
		kind = k
		delete(rest, ClassNameKey)
	}

	cfg, err := config.FromMap(rest)
	if err != nil {
		return nil, err
	}
	return New(kind, cfg)
}

// Convert builds a different variant from the config of alg. Fields the
// target does not use survive, so converting back yields an equal config.
func Convert(alg Algorithm, kind Kind) (Algorithm, error) {
	return New(kind, alg.Config())
}
