package cert

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestGetCertSynthesizesSingleSANOnProbeFailure(t *testing.T) {
	c := qt.New(t)

	caAPI, err := NewSelfSignCAMemory(WithProbeTimeout(50 * time.Millisecond))
	c.Assert(err, qt.IsNil)
	ca := caAPI.(*SelfSignCA)

	leaf, err := ca.GetCert("no-such-host.invalid.example")
	c.Assert(err, qt.IsNil)
	c.Assert(leaf, qt.IsNotNil)
	c.Assert(leaf.PrivateKey, qt.IsNotNil)
}

func TestGetCertIsIdempotentAbsentEviction(t *testing.T) {
	c := qt.New(t)

	caAPI, err := NewSelfSignCAMemory(WithProbeTimeout(20 * time.Millisecond))
	c.Assert(err, qt.IsNil)

	first, err := caAPI.GetCert("example.internal")
	c.Assert(err, qt.IsNil)
	second, err := caAPI.GetCert("example.internal")
	c.Assert(err, qt.IsNil)

	c.Assert(first.Certificate, qt.DeepEquals, second.Certificate)
}

func TestFixedCertModeBypassesIssuance(t *testing.T) {
	c := qt.New(t)

	caAPI, err := NewSelfSignCAMemory(WithProbeTimeout(20 * time.Millisecond))
	c.Assert(err, qt.IsNil)
	ca := caAPI.(*SelfSignCA)

	fixedCA, err := NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)
	fixedLeaf, err := fixedCA.GetCert("anything.example")
	c.Assert(err, qt.IsNil)

	ca.SetFixedCert(fixedLeaf)
	got, err := ca.GetCert("totally-different-host.example")
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, fixedLeaf)

	ca.UnsetFixedCert()
	dynamic, err := ca.GetCert("totally-different-host.example")
	c.Assert(err, qt.IsNil)
	c.Assert(dynamic, qt.Not(qt.Equals), fixedLeaf)
}

func TestLeafSetKeyIsOrderIndependent(t *testing.T) {
	c := qt.New(t)
	c.Assert(leafSetKey([]string{"b.example", "a.example"}), qt.Equals, leafSetKey([]string{"a.example", "b.example"}))
}
