package firewall

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockCommandRunner is a mock implementation of CommandRunner for testing.
// The context argument is not recorded; expectations match on name and args.
type MockCommandRunner struct {
	mock.Mock
}

func (m *MockCommandRunner) Run(_ context.Context, name string, args ...string) error {
	result := m.Called(callArgs(name, args)...)
	return result.Error(0)
}

func (m *MockCommandRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	result := m.Called(callArgs(name, args)...)
	if result.Get(0) == nil {
		return nil, result.Error(1)
	}
	return result.Get(0).([]byte), result.Error(1)
}

func (m *MockCommandRunner) RunInput(_ context.Context, input []byte, name string, args ...string) error {
	all := append([]interface{}{string(input)}, callArgs(name, args)...)
	result := m.Called(all...)
	return result.Error(0)
}

func (m *MockCommandRunner) LookPath(name string) (string, error) {
	result := m.Called("lookpath", name)
	return result.String(0), result.Error(1)
}

func callArgs(name string, args []string) []interface{} {
	out := make([]interface{}, 0, len(args)+1)
	out = append(out, name)
	for _, a := range args {
		out = append(out, a)
	}
	return out
}
