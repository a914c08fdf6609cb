// Package supersmithers implements the self-rewriting observer of
// spec.md §4.6: it watches a running plan subtree, decides via an
// Analyser/Rewriter pair whether to rewrite it, validates the proposal,
// and — once accepted — writes it to the VCS-tracked overlay repository
// (pkg/vcs), persists a ModuleVersion, activates it, and bumps the
// owning Execution's scope_rev so the reconciler remounts the subtree
// from the new overlay on the next render.
package supersmithers

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/smithers-run/smithers/pkg/reconciler"
	"github.com/smithers-run/smithers/pkg/serrors"
)

// Meta is the branding payload a Proxy carries (spec.md §4.6
// "{scope, moduleAbsPath, exportName, moduleHash}").
type Meta struct {
	Scope         string
	ModuleAbsPath string
	ExportName    string
}

// ModuleHash derives the stable per-module identifier from the
// module's absolute path and its baseline source (GLOSSARY "Module
// hash": "derived from its absolute path and baseline content").
func ModuleHash(meta Meta, baselineSource string) string {
	sum := sha256.Sum256([]byte(meta.ModuleAbsPath + "\x00" + baselineSource))
	return hex.EncodeToString(sum[:])
}

// Proxy is the branded wrapper createProxy(meta, baseline) returns
// (spec.md §4.6). Its unexported marker method is the idiomatic-Go
// analogue of the distilled spec's "well-known symbol" (§9 "Observer as
// first-class vs. library" / the "branded proxies" note): a plan value
// not produced by CreateProxy cannot satisfy isProxy and so cannot be
// mistaken for one, matching "an un-branded plan passed to SuperSmithers
// is a configuration error" without any runtime tagging scheme.
type Proxy struct {
	meta           Meta
	baseline       reconciler.Node
	baselineSource string
	moduleHash     string
}

func (*Proxy) isProxy() {}

// CreateProxy brands baseline — together with the source text it was
// built from — as eligible for SuperSmithers rewriting.
func CreateProxy(meta Meta, baselineSource string, baseline reconciler.Node) *Proxy {
	return &Proxy{
		meta:           meta,
		baseline:       baseline,
		baselineSource: baselineSource,
		moduleHash:     ModuleHash(meta, baselineSource),
	}
}

// Meta returns the branding payload.
func (p *Proxy) Meta() Meta { return p.meta }

// ModuleHash returns the stable identifier ModuleVersion/ActiveOverride
// rows for this proxy are indexed under.
func (p *Proxy) ModuleHash() string { return p.moduleHash }

// BaselineSource returns the source text the rewriter receives as
// context (spec.md §4.6 step 1).
func (p *Proxy) BaselineSource() string { return p.baselineSource }

// Node builds the SuperSmithersNode the reconciler mounts for this
// proxy (spec.md §4.3 node kind `SuperSmithers`).
func (p *Proxy) Node() *reconciler.SuperSmithersNode {
	return &reconciler.SuperSmithersNode{
		Scope:          p.meta.Scope,
		ModuleHash:     p.moduleHash,
		BaselineSource: p.baselineSource,
		Baseline:       p.baseline,
	}
}

// proxyMarker is satisfied only by *Proxy.
type proxyMarker interface {
	isProxy()
}

// AsProxy type-asserts plan as a branded Proxy, returning a UsageError
// if it was not produced by CreateProxy (spec.md §4.6 "An un-branded
// plan passed to SuperSmithers is a configuration error").
func AsProxy(plan any) (*Proxy, error) {
	if marked, ok := plan.(proxyMarker); ok {
		if p, ok := marked.(*Proxy); ok {
			return p, nil
		}
	}
	return nil, serrors.NewUsage("supersmithers: plan is not a branded proxy (build it with supersmithers.CreateProxy)")
}
