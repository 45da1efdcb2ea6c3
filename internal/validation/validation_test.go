package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type customer struct {
	Name  string `validate:"required"`
	Email string `validate:"omitempty,email"`
	Age   int    `validate:"gte=0,lte=150"`
}

func TestEntity_Valid(t *testing.T) {
	assert.Empty(t, Entity(customer{Name: "alice", Age: 30}))
	assert.Empty(t, Entity(&customer{Name: "alice"}))
}

func TestEntity_Invalid(t *testing.T) {
	msgs := Entity(&customer{Email: "nope", Age: 200})
	require.Len(t, msgs, 3)
	assert.Equal(t, `customer.Name: failed "required"`, msgs[0])
	assert.Equal(t, `customer.Email: failed "email"`, msgs[1])
	assert.Equal(t, `customer.Age: failed "lte" (150)`, msgs[2])
}

func TestEntity_NonStructPasses(t *testing.T) {
	assert.Nil(t, Entity(nil))
	assert.Nil(t, Entity(42))
	assert.Nil(t, Entity((*customer)(nil)))
	assert.Nil(t, Entity(map[string]any{"a": 1}))
}

func TestEntity_NestedPointers(t *testing.T) {
	var inner *customer
	assert.Nil(t, Entity(&inner))

	msg, ok := Struct(&inner)
	assert.True(t, ok)
	assert.Empty(t, msg)

	invalid := &customer{Age: 200}
	msgs := Entity(&invalid)
	require.Len(t, msgs, 2)
	assert.Equal(t, `customer.Name: failed "required"`, msgs[0])
	assert.Equal(t, `customer.Age: failed "lte" (150)`, msgs[1])
}

func TestStruct(t *testing.T) {
	msg, ok := Struct(customer{Name: "bob"})
	assert.True(t, ok)
	assert.Empty(t, msg)

	msg, ok = Struct(customer{})
	assert.False(t, ok)
	assert.Contains(t, msg, "required")
}
