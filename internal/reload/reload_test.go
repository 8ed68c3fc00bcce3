package reload_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/netgrove/authdnsd/internal/qsr"
	"github.com/netgrove/authdnsd/internal/registry"
	"github.com/netgrove/authdnsd/internal/reload"
	"github.com/netgrove/authdnsd/internal/zone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a zone.Source controlled entirely by test fixtures: each
// descriptor carries the zone text to parse, or a forced parse error.
type fakeSource struct {
	descs []zone.SourceDescriptor
	texts map[string]string
	fail  map[string]error
}

func (s *fakeSource) Enumerate() ([]zone.SourceDescriptor, error) {
	return s.descs, nil
}

func (s *fakeSource) Parse(desc zone.SourceDescriptor) (*zone.Zone, error) {
	if err, ok := s.fail[desc.Name]; ok {
		return nil, err
	}
	return zone.ParseText(s.texts[desc.Name])
}

func waitForResult(t *testing.T, o *reload.Orchestrator) reload.Result {
	t.Helper()
	select {
	case res := <-o.Results():
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("reload did not complete in time")
		return reload.Result{}
	}
}

func TestOrchestrator_InstallsAllZones(t *testing.T) {
	reg := registry.New(qsr.NewDomain())
	src := &fakeSource{
		descs: []zone.SourceDescriptor{{Name: "a"}, {Name: "b"}},
		texts: map[string]string{
			"a": "$ORIGIN a.example.com.\n$TTL 3600\n@ IN A 1.1.1.1\n",
			"b": "$ORIGIN b.example.com.\n$TTL 3600\n@ IN A 2.2.2.2\n",
		},
	}
	o := reload.New(reg, src, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	o.Trigger()

	res := waitForResult(t, o)
	assert.True(t, res.Success)
	assert.Len(t, res.Zones, 2)

	_, _, ok := reg.Find("a.example.com")
	assert.True(t, ok)
	_, _, ok = reg.Find("b.example.com")
	assert.True(t, ok)
}

func TestOrchestrator_PartialFailureKeepsPriorInstallation(t *testing.T) {
	reg := registry.New(qsr.NewDomain())
	src := &fakeSource{
		descs: []zone.SourceDescriptor{{Name: "good"}, {Name: "bad"}},
		texts: map[string]string{
			"good": "$ORIGIN good.example.com.\n$TTL 3600\n@ IN A 1.1.1.1\n",
			"bad":  "$ORIGIN bad.example.com.\n$TTL 3600\n@ IN A 1.1.1.1\n",
		},
	}
	o := reload.New(reg, src, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	o.Trigger()
	res := waitForResult(t, o)
	require.True(t, res.Success)

	before, _, ok := reg.Find("bad.example.com")
	require.True(t, ok)

	// Second reload: "bad" now fails to parse. Its prior installation
	// must remain in place, and "good" must still update successfully.
	src.fail = map[string]error{"bad": errors.New("simulated parse failure")}
	src.texts["good"] = "$ORIGIN good.example.com.\n$TTL 3600\n@ IN A 9.9.9.9\n"
	o.Trigger()
	res = waitForResult(t, o)

	assert.False(t, res.Success, "overall job must report failure when any zone fails")

	after, _, ok := reg.Find("bad.example.com")
	require.True(t, ok)
	assert.Same(t, before, after, "failed zone must keep its prior installation")

	updated, _, ok := reg.Find("good.example.com")
	require.True(t, ok)
	assert.Equal(t, "9.9.9.9", updated.Lookup("good.example.com", 1, 1)[0].RData)
}

func TestOrchestrator_CoalescesOverlappingTriggers(t *testing.T) {
	reg := registry.New(qsr.NewDomain())
	src := &fakeSource{
		descs: []zone.SourceDescriptor{{Name: "a"}},
		texts: map[string]string{"a": "$ORIGIN a.example.com.\n$TTL 3600\n@ IN A 1.1.1.1\n"},
	}
	o := reload.New(reg, src, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)

	// Rapid-fire triggers before the dispatch loop has a chance to drain
	// the channel must not panic or block; at least one reload runs.
	for i := 0; i < 5; i++ {
		o.Trigger()
	}
	res := waitForResult(t, o)
	assert.True(t, res.Success)
}
