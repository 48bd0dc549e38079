package binder

import (
	"errors"
	"fmt"
)

// Method describes one remote operation of a contract.
type Method struct {
	Name   string
	Code   Code
	OneWay bool
}

// Contract is a named, versioned set of operations. Compatibility between
// caller and callee is decided by descriptor, version and ordinals; method
// names are for logs only.
type Contract struct {
	Descriptor string
	Version    int32
	Methods    []Method

	byCode map[Code]Method
}

// NewContract validates and indexes a contract declaration.
func NewContract(descriptor string, version int32, methods ...Method) (*Contract, error) {
	if descriptor == "" {
		return nil, errors.New("contract descriptor is required")
	}
	c := &Contract{
		Descriptor: descriptor,
		Version:    version,
		Methods:    methods,
		byCode:     make(map[Code]Method, len(methods)),
	}
	names := make(map[string]bool, len(methods))
	for _, m := range methods {
		if m.Code < FirstCallTransaction || m.Code > LastCallTransaction {
			return nil, fmt.Errorf("%s.%s: ordinal %d outside call range", descriptor, m.Name, m.Code)
		}
		if prev, dup := c.byCode[m.Code]; dup {
			return nil, fmt.Errorf("%s: ordinal %d assigned to both %s and %s", descriptor, m.Code, prev.Name, m.Name)
		}
		if names[m.Name] {
			return nil, fmt.Errorf("%s: method %s declared twice", descriptor, m.Name)
		}
		names[m.Name] = true
		c.byCode[m.Code] = m
	}
	return c, nil
}

// MustContract is NewContract for package-level declarations.
func MustContract(descriptor string, version int32, methods ...Method) *Contract {
	c, err := NewContract(descriptor, version, methods...)
	if err != nil {
		panic(err)
	}
	return c
}

// Method returns the operation registered under code.
func (c *Contract) Method(code Code) (Method, bool) {
	m, ok := c.byCode[code]
	return m, ok
}

// methodName returns a printable name for code, including meta transactions.
func (c *Contract) methodName(code Code) string {
	if m, ok := c.byCode[code]; ok {
		return m.Name
	}
	switch code {
	case InterfaceTransaction:
		return "interface"
	case PingTransaction:
		return "ping"
	}
	return "unknown"
}

func (c *Contract) String() string {
	return fmt.Sprintf("%s@v%d", c.Descriptor, c.Version)
}
