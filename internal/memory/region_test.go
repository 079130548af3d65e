package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rdmakv/internal/verbs"
)

type domain struct {
	pd *verbs.ProtectionDomain
}

func (d domain) ProtectionDomain() *verbs.ProtectionDomain { return d.pd }

func newDomain(t *testing.T) domain {
	t.Helper()
	dev, err := verbs.OpenDevice("")
	require.NoError(t, err)
	pd, err := dev.AllocPD()
	require.NoError(t, err)
	return domain{pd: pd}
}

func TestRegister(t *testing.T) {
	d := newDomain(t)

	r, err := Register(d, 516, verbs.AccessRemoteRead|verbs.AccessRemoteWrite)
	require.NoError(t, err)
	assert.True(t, r.Registered())
	assert.Equal(t, 516, r.Len())
	assert.Equal(t, make([]byte, 516), r.Bytes(), "buffer starts zeroed")
	assert.NotZero(t, r.Access()&verbs.AccessLocalWrite, "local write always granted")

	desc, err := r.Descriptor()
	require.NoError(t, err)
	assert.NotZero(t, desc.Addr)
	assert.NotZero(t, desc.RKey)

	sge, err := r.SGE(10)
	require.NoError(t, err)
	assert.Equal(t, desc.Addr, sge.Addr)
	assert.Equal(t, uint32(10), sge.Length)
	_, err = r.SGE(517)
	assert.ErrorIs(t, err, ErrInvalidSize)

	copy(r.Bytes(), "dirty")
	r.Clear()
	assert.Equal(t, make([]byte, 516), r.Bytes())
}

func TestRegisterFailures(t *testing.T) {
	d := newDomain(t)

	_, err := Register(d, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = Register(domain{}, 16, 0)
	assert.ErrorIs(t, err, verbs.ErrInvalidPD)

	require.NoError(t, d.pd.Dealloc())
	_, err = Register(d, 16, 0)
	assert.ErrorIs(t, err, verbs.ErrMRCreation)
}

func TestLocalOnlyRegionIsNotAdvertised(t *testing.T) {
	r, err := Register(newDomain(t), 64, 0)
	require.NoError(t, err)
	_, err = r.Descriptor()
	assert.ErrorIs(t, err, ErrNotAdvertised)
}

func TestDeregisterIdempotent(t *testing.T) {
	d := newDomain(t)
	r, err := Register(d, 64, 0)
	require.NoError(t, err)

	require.NoError(t, r.Deregister())
	assert.False(t, r.Registered())
	assert.Nil(t, r.Bytes())
	require.NoError(t, r.Deregister())

	var never *Region
	require.NoError(t, never.Deregister())
	assert.Zero(t, never.Len())

	_, err = r.SGE(1)
	assert.ErrorIs(t, err, ErrReleased)
	_, err = r.Descriptor()
	assert.ErrorIs(t, err, ErrReleased)

	require.NoError(t, d.pd.Dealloc(), "no registration left behind")
}
