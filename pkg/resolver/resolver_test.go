package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poppopjmp/spiderfoot-sub004/pkg/types"
)

func desc(name string, watches, produces, requires []types.EventType) types.PluginDescriptor {
	return types.PluginDescriptor{
		Name:           name,
		WatchedEvents:  watches,
		ProducedEvents: produces,
		RequiredInputs: requires,
	}
}

func TestResolveTransitiveChain(t *testing.T) {
	// dns: ROOT -> DOMAIN_NAME, ip: DOMAIN_NAME -> IP_ADDRESS,
	// netblock: IP_ADDRESS -> NETBLOCK
	descriptors := []types.PluginDescriptor{
		desc("sfp_dns", []types.EventType{types.EventTypeRoot}, []types.EventType{types.EventTypeDomainName}, nil),
		desc("sfp_ip", []types.EventType{types.EventTypeDomainName}, []types.EventType{types.EventTypeIPAddress}, []types.EventType{types.EventTypeDomainName}),
		desc("sfp_netblock", []types.EventType{types.EventTypeIPAddress}, []types.EventType{types.EventTypeNetblock}, []types.EventType{types.EventTypeIPAddress}),
	}

	res, err := Resolve(descriptors, types.EventTypeRoot, []types.EventType{types.EventTypeNetblock})
	require.NoError(t, err)

	assert.Equal(t, []string{"sfp_dns", "sfp_ip", "sfp_netblock"}, res.Modules)
	assert.Empty(t, res.Diagnostics.UnsatisfiedOutputs)
	assert.Empty(t, res.Diagnostics.BrokenEdges)
}

func TestResolveExcludesUnneededModules(t *testing.T) {
	descriptors := []types.PluginDescriptor{
		desc("sfp_dns", []types.EventType{types.EventTypeRoot}, []types.EventType{types.EventTypeDomainName}, nil),
		desc("sfp_email", []types.EventType{types.EventTypeDomainName}, []types.EventType{types.EventTypeEmailAddr}, []types.EventType{types.EventTypeDomainName}),
		desc("sfp_ip", []types.EventType{types.EventTypeDomainName}, []types.EventType{types.EventTypeIPAddress}, []types.EventType{types.EventTypeDomainName}),
	}

	res, err := Resolve(descriptors, types.EventTypeRoot, []types.EventType{types.EventTypeIPAddress})
	require.NoError(t, err)

	assert.Contains(t, res.Modules, "sfp_dns")
	assert.Contains(t, res.Modules, "sfp_ip")
	assert.NotContains(t, res.Modules, "sfp_email")
}

func TestResolveUnsatisfiedOutputIsWarningNotError(t *testing.T) {
	descriptors := []types.PluginDescriptor{
		desc("sfp_dns", []types.EventType{types.EventTypeRoot}, []types.EventType{types.EventTypeDomainName}, nil),
	}

	res, err := Resolve(descriptors, types.EventTypeRoot, []types.EventType{types.EventTypeNetblock, types.EventTypeDomainName})
	require.NoError(t, err)

	assert.Equal(t, []types.EventType{types.EventTypeNetblock}, res.Diagnostics.UnsatisfiedOutputs)
	assert.Equal(t, []string{"sfp_dns"}, res.Modules)
}

func TestResolveBreaksCycleDeterministically(t *testing.T) {
	// a and b feed each other; both reachable from the seed.
	a := desc("sfp_a", []types.EventType{types.EventTypeRoot, "B_OUT"}, []types.EventType{"A_OUT"}, nil)
	b := desc("sfp_b", []types.EventType{"A_OUT"}, []types.EventType{"B_OUT"}, []types.EventType{"A_OUT"})

	var first []string
	for i := 0; i < 5; i++ {
		res, err := Resolve([]types.PluginDescriptor{a, b}, types.EventTypeRoot, []types.EventType{"A_OUT", "B_OUT"})
		require.NoError(t, err)
		require.Len(t, res.Modules, 2)
		if first == nil {
			first = res.Modules
			continue
		}
		assert.Equal(t, first, res.Modules, "cycle break must be deterministic across runs")
	}
}

func TestResolveSelfLoopDoesNotRecurse(t *testing.T) {
	// sfp_subdomains both watches and produces DOMAIN_NAME.
	descriptors := []types.PluginDescriptor{
		desc("sfp_dns", []types.EventType{types.EventTypeRoot}, []types.EventType{types.EventTypeDomainName}, nil),
		desc("sfp_subdomains", []types.EventType{types.EventTypeDomainName}, []types.EventType{types.EventTypeDomainName}, []types.EventType{types.EventTypeDomainName}),
	}

	res, err := Resolve(descriptors, types.EventTypeRoot, []types.EventType{types.EventTypeDomainName})
	require.NoError(t, err)
	assert.Contains(t, res.Modules, "sfp_dns")
	assert.Contains(t, res.Modules, "sfp_subdomains")
}

func TestResolveEmptyRegistry(t *testing.T) {
	res, err := Resolve(nil, types.EventTypeRoot, []types.EventType{types.EventTypeDomainName})
	require.NoError(t, err)
	assert.Empty(t, res.Modules)
	assert.Equal(t, []types.EventType{types.EventTypeDomainName}, res.Diagnostics.UnsatisfiedOutputs)
}

func TestResolveSeedOnlyModuleStopsWalk(t *testing.T) {
	// The harvester needs only the seed; nothing upstream of it should be
	// pulled in on its account.
	descriptors := []types.PluginDescriptor{
		desc("sfp_harvester", []types.EventType{types.EventTypeRoot}, []types.EventType{types.EventTypeEmailAddr}, []types.EventType{types.EventTypeRoot}),
		desc("sfp_unrelated", []types.EventType{"OTHER"}, []types.EventType{types.EventTypeRoot}, []types.EventType{"OTHER"}),
	}

	res, err := Resolve(descriptors, types.EventTypeRoot, []types.EventType{types.EventTypeEmailAddr})
	require.NoError(t, err)
	assert.Equal(t, []string{"sfp_harvester"}, res.Modules)
}
