package nn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var (
	ErrActivationExists   = errors.New("activation already registered")
	ErrActivationNotFound = errors.New("activation not found")
)

type ActivationFunc func(x float64) float64

// DerivativeFunc returns d(activation)/dx given the input x and the already
// computed output y.
type DerivativeFunc func(x, y float64) float64

type ActivationSpec struct {
	Name       string
	Func       ActivationFunc
	Derivative DerivativeFunc
	// Monotone marks activations that are non-decreasing everywhere.
	Monotone bool
}

var activationRegistry = struct {
	mu sync.RWMutex
	m  map[string]ActivationSpec
}{
	m: make(map[string]ActivationSpec),
}

func init() {
	initializeBuiltInActivations()
}

func initializeBuiltInActivations() {
	MustRegisterActivation(ActivationSpec{
		Name:       "identity",
		Func:       func(x float64) float64 { return x },
		Derivative: func(_, _ float64) float64 { return 1 },
		Monotone:   true,
	})
	MustRegisterActivation(ActivationSpec{
		Name: "relu",
		Func: func(x float64) float64 {
			if x < 0 {
				return 0
			}
			return x
		},
		Derivative: func(x, _ float64) float64 {
			if x > 0 {
				return 1
			}
			return 0
		},
		Monotone: true,
	})
	MustRegisterActivation(ActivationSpec{
		Name: "elu",
		Func: func(x float64) float64 {
			if x > 0 {
				return x
			}
			return math.Exp(x) - 1
		},
		Derivative: func(x, y float64) float64 {
			if x > 0 {
				return 1
			}
			return y + 1
		},
		Monotone: true,
	})
	MustRegisterActivation(ActivationSpec{
		Name:       "tanh",
		Func:       math.Tanh,
		Derivative: func(_, y float64) float64 { return 1 - y*y },
		Monotone:   true,
	})
	MustRegisterActivation(ActivationSpec{
		Name:       "sigmoid",
		Func:       func(x float64) float64 { return 1.0 / (1.0 + math.Exp(-x)) },
		Derivative: func(_, y float64) float64 { return y * (1 - y) },
		Monotone:   true,
	})
	MustRegisterActivation(ActivationSpec{
		Name: "absolute",
		Func: math.Abs,
		Derivative: func(x, _ float64) float64 {
			if x >= 0 {
				return 1
			}
			return -1
		},
	})
}

func RegisterActivation(spec ActivationSpec) error {
	if spec.Name == "" {
		return errors.New("activation name is required")
	}
	if spec.Func == nil {
		return errors.New("activation function is required")
	}
	if spec.Derivative == nil {
		return fmt.Errorf("activation %s: derivative is required", spec.Name)
	}

	activationRegistry.mu.Lock()
	defer activationRegistry.mu.Unlock()

	if _, exists := activationRegistry.m[spec.Name]; exists {
		return fmt.Errorf("%w: %s", ErrActivationExists, spec.Name)
	}
	activationRegistry.m[spec.Name] = spec
	return nil
}

func MustRegisterActivation(spec ActivationSpec) {
	if err := RegisterActivation(spec); err != nil {
		panic(err)
	}
}

func GetActivation(name string) (ActivationSpec, error) {
	activationRegistry.mu.RLock()
	spec, ok := activationRegistry.m[name]
	activationRegistry.mu.RUnlock()
	if !ok {
		return ActivationSpec{}, fmt.Errorf("%w: %s", ErrActivationNotFound, name)
	}
	return spec, nil
}

func ListActivations() []string {
	activationRegistry.mu.RLock()
	defer activationRegistry.mu.RUnlock()

	names := make([]string, 0, len(activationRegistry.m))
	for name := range activationRegistry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetActivationRegistryForTests() {
	activationRegistry.mu.Lock()
	activationRegistry.m = make(map[string]ActivationSpec)
	activationRegistry.mu.Unlock()
	initializeBuiltInActivations()
}
