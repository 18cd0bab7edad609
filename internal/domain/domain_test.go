package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccount_UnmarshalKeepsLegacyFields(t *testing.T) {
	raw := `{"email":"carer@x.com","uid":"u-1","role":"Caregiver","firstname":"Ann","lastname":"Lee",
		"elderlyId":"uid123","linkedElders":["uid123"],"elderlyIds":null}`

	var acc Account
	require.NoError(t, json.Unmarshal([]byte(raw), &acc))

	assert.Equal(t, RoleCaregiver, acc.Role)
	assert.Equal(t, "Ann Lee", acc.DisplayName())

	v, ok := acc.Field("elderlyId")
	require.True(t, ok)
	assert.JSONEq(t, `"uid123"`, string(v))

	_, ok = acc.Field("elderlyIds")
	assert.False(t, ok, "null field is treated as absent")
	_, ok = acc.Field("missing")
	assert.False(t, ok)
}

func TestAccount_MarshalRoundTripPreservesUnknownFields(t *testing.T) {
	var acc Account
	require.NoError(t, json.Unmarshal([]byte(`{"email":"a@x.com","role":"elderly","linkedElders":["b@x.com"]}`), &acc))
	acc.FirstName = "Bea"

	out, err := json.Marshal(acc)
	require.NoError(t, err)

	var back map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, "Bea", back["firstname"])
	assert.Equal(t, []interface{}{"b@x.com"}, back["linkedElders"])
}

func TestTimedItem_EffectiveAt(t *testing.T) {
	at, ok := TimedItem{Date: "2024-03-05", Time: "09:30"}.EffectiveAt()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC), at)

	at, ok = TimedItem{Date: "2024-03-05"}.EffectiveAt()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), at)

	at, ok = TimedItem{Date: "2024-03-05", Time: "2:15 PM"}.EffectiveAt()
	require.True(t, ok)
	assert.Equal(t, 14, at.Hour())

	at, ok = TimedItem{Date: "2024-03-05T08:00:00Z", Time: "23:00"}.EffectiveAt()
	require.True(t, ok)
	assert.Equal(t, 8, at.Hour())

	_, ok = TimedItem{Date: "next tuesday"}.EffectiveAt()
	assert.False(t, ok)
	_, ok = TimedItem{Date: "2024-03-05", Time: "noon-ish"}.EffectiveAt()
	assert.False(t, ok)
	_, ok = TimedItem{}.EffectiveAt()
	assert.False(t, ok)
}

func TestCareError_IsAndKind(t *testing.T) {
	err := fmt.Errorf("resolve: %w", NewCareError(KindNoLinkedPerson, "carer_x@y_com", "caregiver has no links", nil))

	assert.True(t, errors.Is(err, ErrNoLinkedPerson))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindNoLinkedPerson, KindOf(err))
	assert.Contains(t, err.Error(), "carer_x@y_com")

	var ce *CareError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Actionable(), "Link one")
}

func TestParseCategory(t *testing.T) {
	c, ok := ParseCategory("medication")
	require.True(t, ok)
	assert.Equal(t, CategoryMedications, c)

	_, ok = ParseCategory("announcements")
	assert.False(t, ok)
}
