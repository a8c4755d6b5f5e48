package attack

import (
	"fmt"
	"maps"
	"slices"

	"github.com/straja-ai/mia/internal/config"
	"github.com/straja-ai/mia/internal/lm"
	"github.com/straja-ai/mia/internal/redact"
)

// Deps are the collaborators attack factories draw from.
type Deps struct {
	Config *config.Config
	Target lm.Model
	// References and Perturbations resolve model ids for the attack that owns
	// them. An id configured for both roles needs two instances, since each
	// attack unloads its own models.
	References    map[string]lm.Model
	Perturbations map[string]lm.Model
}

func (d Deps) model(models map[string]lm.Model, field, id string) (lm.Model, error) {
	m, ok := models[id]
	if !ok || m == nil {
		return nil, fmt.Errorf("%w: %s references unknown model %q", config.ErrConfig, field, id)
	}
	return m, nil
}

type factory func(d Deps) ([]*Attacker, error)

// factories is the set of implemented kinds. Kinds without an entry are
// known but unimplemented.
var factories = map[Kind]factory{
	KindLoss: func(d Deps) ([]*Attacker, error) {
		return d.single(KindLoss, NewLoss(d.Target)), nil
	},
	KindZlib: func(d Deps) ([]*Attacker, error) {
		return d.single(KindZlib, NewZlib(d.Target)), nil
	},
	KindMinK: func(d Deps) ([]*Attacker, error) {
		return d.single(KindMinK, NewMinK(d.Target, d.Config.MinKConfig.K)), nil
	},
	KindMinKPlusPlus: func(d Deps) ([]*Attacker, error) {
		return d.single(KindMinKPlusPlus, NewMinKPlusPlus(d.Target, d.Config.MinKConfig.K)), nil
	},
	KindPerturbation: func(d Deps) ([]*Attacker, error) {
		var models []lm.Model
		for _, id := range d.Config.PerturbationModels() {
			m, err := d.model(d.Perturbations, "perturbation_config.models", id)
			if err != nil {
				return nil, err
			}
			models = append(models, m)
		}
		s, err := NewPerturbation(d.Target, models)
		if err != nil {
			return nil, err
		}
		return d.single(KindPerturbation, s), nil
	},
	KindReference: func(d Deps) ([]*Attacker, error) {
		var out []*Attacker
		for _, id := range d.Config.ReferenceModels() {
			m, err := d.model(d.References, "ref_config.models", id)
			if err != nil {
				return nil, err
			}
			out = append(out, NewAttacker(ReferenceID(id), NewReference(d.Target, m), d.Config.Pretokenized))
		}
		return out, nil
	},
	KindNeighborhood: func(d Deps) ([]*Attacker, error) {
		swap := d.Config.NeighborhoodConfig != nil && d.Config.NeighborhoodConfig.OriginalTokenizationSwap
		return d.single(KindNeighborhood, NewNeighborhood(d.Target, swap)), nil
	},
}

func (d Deps) single(k Kind, s Strategy) []*Attacker {
	return []*Attacker{NewAttacker(k.String(), s, d.Config.Pretokenized)}
}

// Build constructs attackers for the requested identifiers in order.
// Unknown and unimplemented identifiers are logged and dropped; duplicates
// are ignored. Construction errors, such as a perturbation attack with no
// models, are returned.
func Build(d Deps, requested []string) ([]*Attacker, error) {
	if d.Config == nil {
		return nil, fmt.Errorf("%w: attack config is nil", config.ErrConfig)
	}
	if d.Target == nil {
		return nil, fmt.Errorf("%w: target model is nil", config.ErrConfig)
	}
	if err := d.checkOwnership(); err != nil {
		return nil, err
	}

	seen := make(map[Kind]bool, len(requested))
	var out []*Attacker
	for _, name := range requested {
		k, ok := ParseKind(name)
		if !ok || !k.Implemented() {
			redact.Warnf("Attack %s not implemented, will be ignored", name)
			continue
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		built, err := factories[k](d)
		if err != nil {
			return nil, fmt.Errorf("build attack %s: %w", k, err)
		}
		out = append(out, built...)
	}
	return out, nil
}

// checkOwnership rejects a model instance handed to more than one owner.
func (d Deps) checkOwnership() error {
	owner := map[lm.Model]string{d.Target: "target"}
	for _, role := range []struct {
		field  string
		models map[string]lm.Model
	}{
		{"ref_config.models", d.References},
		{"perturbation_config.models", d.Perturbations},
	} {
		for _, id := range slices.Sorted(maps.Keys(role.models)) {
			m := role.models[id]
			if m == nil {
				continue
			}
			if prev, ok := owner[m]; ok {
				return fmt.Errorf("%w: %s model %q is the same instance as %s; each attack needs its own", config.ErrConfig, role.field, id, prev)
			}
			owner[m] = fmt.Sprintf("%s model %q", role.field, id)
		}
	}
	return nil
}

// Runnable returns the identifiers Build would keep, in order.
func Runnable(requested []string) []Kind {
	seen := map[Kind]bool{}
	var out []Kind
	for _, name := range requested {
		k, ok := ParseKind(name)
		if !ok || !k.Implemented() || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
