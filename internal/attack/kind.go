package attack

import "strings"

// Kind is the closed set of attack families known to the tool.
type Kind int

const (
	KindLoss Kind = iota
	KindReference
	KindPerturbation
	KindZlib
	KindMinK
	KindMinKPlusPlus
	KindNeighborhood
	KindGradNorm
	KindRecall
	KindDCPDD
)

var kindNames = [...]string{
	KindLoss:         "loss",
	KindReference:    "ref",
	KindPerturbation: "perturb",
	KindZlib:         "zlib",
	KindMinK:         "min_k",
	KindMinKPlusPlus: "min_k++",
	KindNeighborhood: "ne",
	KindGradNorm:     "gradnorm",
	KindRecall:       "recall",
	KindDCPDD:        "dc_pdd",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind maps a configured attack identifier to its Kind.
func ParseKind(s string) (Kind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return Kind(k), true
		}
	}
	return 0, false
}

// Kinds lists every known kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i := range kindNames {
		out[i] = Kind(i)
	}
	return out
}

// Implemented reports whether a factory exists for k.
func (k Kind) Implemented() bool {
	_, ok := factories[k]
	return ok
}
