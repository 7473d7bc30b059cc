package dcb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type customerRegistered struct {
	Name string `json:"name"`
}

type customerRegisteredV2 struct {
	Name struct {
		Value string `json:"value"`
	} `json:"name"`
}

func TestRegistryRegister(t *testing.T) {
	r := NewTypeRegistry()
	require.NoError(t, r.Register(EventType{Name: "AccountOpened", New: func() any { return &map[string]any{} }}))

	err := r.Register(EventType{Name: "AccountOpened"})
	assert.True(t, IsDuplicateTypeNameError(err))

	err = r.Register(EventType{})
	assert.True(t, IsValidationError(err))

	assert.True(t, r.IsAdmissible("AccountOpened"))
	assert.False(t, r.IsAdmissible("Unknown"))
}

func TestRegistryVariants(t *testing.T) {
	r := NewTypeRegistry()
	err := r.RegisterVariants("AccountEvent")
	assert.True(t, IsSealingRequiredError(err))

	require.NoError(t, r.RegisterVariants("AccountEvent",
		EventType{Name: "AccountOpened"},
		EventType{Name: "MoneyDeposited"},
	))
	assert.True(t, r.IsAdmissible("AccountOpened"))
	assert.True(t, r.IsAdmissible("MoneyDeposited"))

	// A second root may not contribute an already-registered name.
	err = r.RegisterVariants("OtherEvent", EventType{Name: "MoneyDeposited"})
	assert.True(t, IsDuplicateTypeNameError(err))
}

func TestRegistryLegacy(t *testing.T) {
	r := NewTypeRegistry()
	require.NoError(t, r.Register(EventType{Name: "CustomerRegisteredV2", New: func() any { return &customerRegisteredV2{} }}))

	err := r.RegisterLegacy(LegacyEventType{
		Name:   "CustomerRegistered",
		Target: "Unknown",
		Upcast: func(v any) (any, error) { return v, nil },
	})
	var registryErr *RegistryError
	assert.ErrorAs(t, err, &registryErr)

	err = r.RegisterLegacy(LegacyEventType{Name: "NoUpcaster", Target: "CustomerRegisteredV2"})
	assert.True(t, IsValidationError(err))

	require.NoError(t, r.RegisterLegacy(LegacyEventType{
		Name:   "CustomerRegistered",
		New:    func() any { return &customerRegistered{} },
		Target: "CustomerRegisteredV2",
		Upcast: func(v any) (any, error) {
			legacy := v.(*customerRegistered)
			current := customerRegisteredV2{}
			current.Name.Value = legacy.Name
			return current, nil
		},
	}))

	// Legacy names are readable, not writable.
	assert.False(t, r.IsAdmissible("CustomerRegistered"))
	assert.Equal(t, []string{"CustomerRegistered"}, r.LegacyAliases("CustomerRegisteredV2"))

	// A current type cannot reuse a legacy name either.
	err = r.Register(EventType{Name: "CustomerRegistered"})
	assert.True(t, IsDuplicateTypeNameError(err))
}

func TestRegistryExpandTypes(t *testing.T) {
	r := NewTypeRegistry()
	require.NoError(t, r.Register(EventType{Name: "CustomerRegisteredV2", New: func() any { return &customerRegisteredV2{} }}))
	require.NoError(t, r.RegisterLegacy(LegacyEventType{
		Name:   "CustomerRegistered",
		New:    func() any { return &customerRegistered{} },
		Target: "CustomerRegisteredV2",
		Upcast: func(v any) (any, error) { return v, nil },
	}))

	assert.ElementsMatch(t,
		[]string{"CustomerRegisteredV2", "CustomerRegistered"},
		r.ExpandTypes([]string{"CustomerRegisteredV2"}))
	assert.Equal(t, []string{"Other"}, r.ExpandTypes([]string{"Other"}))
	assert.Empty(t, r.ExpandTypes(nil))
}

func TestRegistryExpandQuery(t *testing.T) {
	r := NewTypeRegistry()
	require.NoError(t, r.Register(EventType{Name: "CustomerRegisteredV2"}))
	require.NoError(t, r.RegisterLegacy(LegacyEventType{
		Name:   "CustomerRegistered",
		Target: "CustomerRegisteredV2",
		Upcast: func(v any) (any, error) { return v, nil },
	}))

	until := EventReference{Position: 9, TransactionID: 9}
	q := NewQuery(NewTags("customer", "1"), "CustomerRegisteredV2").WithUntil(until)

	expanded := r.ExpandQuery(q)
	require.Len(t, expanded.Items(), 1)
	assert.ElementsMatch(t,
		[]string{"CustomerRegisteredV2", "CustomerRegistered"},
		expanded.Items()[0].EventTypes)
	assert.Equal(t, NewTags("customer", "1"), expanded.Items()[0].Tags)
	require.NotNil(t, expanded.Until())
	assert.Equal(t, until, *expanded.Until())

	// The canonical shapes pass through untouched.
	assert.True(t, r.ExpandQuery(NewQueryAll()).IsAll())
	assert.True(t, r.ExpandQuery(NewQueryNone()).IsNone())
}

func TestUpcastOutputEncodesAsTarget(t *testing.T) {
	upcast := func(v any) (any, error) {
		legacy := v.(*customerRegistered)
		current := customerRegisteredV2{}
		current.Name.Value = legacy.Name
		return current, nil
	}

	out, err := upcast(&customerRegistered{Name: "John"})
	require.NoError(t, err)
	encoded, err := JSONCodec{}.Encode(out)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":{"value":"John"}}`, string(encoded))
}
