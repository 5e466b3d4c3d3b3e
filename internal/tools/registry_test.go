package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
)

func noopHandler(ctx context.Context, args map[string]any) (any, error) {
	return "ok", nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, reg := range []Registration{
		{Name: "terminal_execute", Module: "terminal", Handler: noopHandler, NeedsSandbox: true, Sequential: true},
		{Name: "browser_action", Module: "browser", Handler: noopHandler, NeedsSandbox: true, Sequential: true},
		{Name: "think", Module: "thinking", Handler: noopHandler},
		{Name: "web_search", Module: "web_search", Handler: noopHandler},
		{Name: "create_note", Module: "notes", Handler: noopHandler},
	} {
		require.NoError(t, r.Register(reg))
	}
	return r
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := testRegistry(t)
	reg, err := r.Get("terminal_execute")
	require.NoError(t, err)
	assert.Equal(t, "terminal", reg.Module)
	assert.True(t, reg.Sequential)
}

func TestRegistryUnknownAction(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Get("no_such_action")
	var nferr *strixerrors.ActionNotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.Equal(t, "no_such_action", nferr.Name)
}

func TestRegistryDuplicateRejected(t *testing.T) {
	r := testRegistry(t)
	err := r.Register(Registration{Name: "think", Module: "thinking", Handler: noopHandler})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryFrozenRejectsRegister(t *testing.T) {
	r := testRegistry(t)
	r.Freeze()
	err := r.Register(Registration{Name: "late", Module: "misc", Handler: noopHandler})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frozen")
}

func TestRegistryValidatesRegistration(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Registration{Name: "9starts_with_digit", Module: "m", Handler: noopHandler}))
	assert.Error(t, r.Register(Registration{Name: "has space", Module: "m", Handler: noopHandler}))
	assert.Error(t, r.Register(Registration{Name: "no_module", Handler: noopHandler}))
	assert.Error(t, r.Register(Registration{Name: "no_handler", Module: "m"}))
}

func TestRegistryListOrdering(t *testing.T) {
	r := testRegistry(t)
	var names []string
	for _, reg := range r.List() {
		names = append(names, reg.Name)
	}
	assert.Equal(t, []string{"browser_action", "create_note", "terminal_execute", "think", "web_search"}, names)
}

func TestRegistryForRole(t *testing.T) {
	r := testRegistry(t)

	var coordinator []string
	for _, reg := range r.ForRole(RoleCoordinator) {
		coordinator = append(coordinator, reg.Name)
	}
	assert.Equal(t, []string{"create_note", "think"}, coordinator)

	assert.Len(t, r.ForRole(RoleFullAccess), 5)
}

func TestRegistryPartition(t *testing.T) {
	r := testRegistry(t)
	invs := []Invocation{
		{Name: "think"},
		{Name: "terminal_execute"},
		{Name: "web_search"},
		{Name: "unknown_action"},
		{Name: "browser_action"},
	}
	seq, par := r.Partition(invs)

	var seqNames, parNames []string
	for _, inv := range seq {
		seqNames = append(seqNames, inv.Name)
	}
	for _, inv := range par {
		parNames = append(parNames, inv.Name)
	}
	assert.Equal(t, []string{"terminal_execute", "unknown_action", "browser_action"}, seqNames)
	assert.Equal(t, []string{"think", "web_search"}, parNames)
}
