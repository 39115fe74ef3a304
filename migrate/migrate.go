// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package migrate implements the schema migration planner of spec.md
// §4.7: a diff over two validated schema.Schema values that either
// produces an ordered list of automatic steps (plus prechecks to run
// against live data before applying them) or rejects the upgrade with
// a structured set of reasons.
//
// Grounded on original_source/crates/schema/src/auto_migrate.rs's
// diff-by-stable-key algorithm (ponder_auto_migrate, its Diff enum,
// and its Remove-before-Add step ordering) and, for the stable-key
// diffing shape itself, Pieczasz-smf/internal/diff/diff.go (diffing
// two schema dumps by name, collecting per-table changes into a
// single aggregated report rather than stopping at the first).
package migrate

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/SnellerInc/stdb/errtax"
	"github.com/SnellerInc/stdb/metrics"
	"github.com/SnellerInc/stdb/sats"
	"github.com/SnellerInc/stdb/schema"
)

// StepKind identifies one kind of automatic migration step. The
// ordering of the constants matters: every Remove* constant is
// declared, and therefore sorts, before every Add* constant, which is
// what spec.md §4.7 "Ordering" requires ("every Remove* precedes
// every Add*") — mirrored directly from auto_migrate.rs's comment
// that the derived Ord on AutoMigrateStep depends on declaration
// order for exactly this reason.
type StepKind int

const (
	RemoveIndex StepKind = iota
	RemoveConstraint
	RemoveSequence
	RemoveSchedule
	RemoveRowLevelSecurity

	AddTable
	AddIndex
	AddSequence
	AddSchedule

	ChangeAccess

	AddRowLevelSecurity
)

func (k StepKind) String() string {
	switch k {
	case RemoveIndex:
		return "remove_index"
	case RemoveConstraint:
		return "remove_constraint"
	case RemoveSequence:
		return "remove_sequence"
	case RemoveSchedule:
		return "remove_schedule"
	case RemoveRowLevelSecurity:
		return "remove_row_level_security"
	case AddTable:
		return "add_table"
	case AddIndex:
		return "add_index"
	case AddSequence:
		return "add_sequence"
	case AddSchedule:
		return "add_schedule"
	case AddRowLevelSecurity:
		return "add_row_level_security"
	case ChangeAccess:
		return "change_access"
	default:
		return "unknown"
	}
}

// Step is one entry in an automatic migration plan.
type Step struct {
	Kind  StepKind
	Table string
	// Name is the index/constraint/sequence/RLS rule name this step
	// acts on; empty for AddTable and ChangeAccess, which act on the
	// table itself.
	Name string
}

// Precheck is a check that must be run against live data before an
// AutoStep that adds or changes a sequence is applied (spec.md §4.3
// "A precheck is required before migration can add a sequence to an
// existing populated column"). Plan only records the check; running
// it against actual row data is the caller's job (see Verify), since
// migrate has no access to storage.
type Precheck struct {
	Table  string
	Column string
	Start  int64
}

// Verify checks that every value yielded by scan is ≤ p.Start,
// failing otherwise (spec.md §4.3). Callers drive scan by iterating
// the live column values in the table named by p.Table, typically via
// package datastore's migration-apply path.
func (p Precheck) Verify(scan func(yield func(sats.Value) bool) error) error {
	var bad bool
	err := scan(func(v sats.Value) bool {
		n, ok := asInt64(v)
		if !ok {
			bad = true
			return false
		}
		if n > p.Start {
			bad = true
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if bad {
		// Not one of the planning-time AutoError reasons (spec.md
		// §4.7 lists those as rejections Plan itself can detect);
		// this is a runtime data check that fails only when applying
		// an otherwise-accepted plan against a populated table.
		return fmt.Errorf("migrate: existing values in %s.%s exceed sequence start %d", p.Table, p.Column, p.Start)
	}
	return nil
}

func asInt64(v sats.Value) (int64, bool) {
	switch v.Tag {
	case sats.TagI8, sats.TagI16, sats.TagI32, sats.TagI64:
		return v.Int, true
	case sats.TagU8, sats.TagU16, sats.TagU32, sats.TagU64:
		return int64(v.Uint), true
	default:
		return 0, false
	}
}

// Plan is the output of a successful automatic migration: an ordered
// step list plus the prechecks that must pass before the steps are
// applied.
type Plan struct {
	Steps     []Step
	Prechecks []Precheck
}

// Errors aggregates every AutoError a Plan attempt detected, in the
// same all-at-once spirit as schema.Errors (spec.md §4.7 is rejected
// "with a set of AutoError", not just the first one found).
type Errors struct {
	Errs []error
}

func (e *Errors) Error() string {
	parts := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

func (e *Errors) Unwrap() []error { return e.Errs }

// Plan diffs old against new, both of which must already be valid per
// schema.Validate, and either returns the ordered automatic migration
// plan or the full set of reasons an automatic migration is not
// possible (spec.md §4.7). Planning a schema against itself yields an
// empty step list and no prechecks (spec.md §8).
func Plan(old, new *schema.Schema) (*Plan, error) {
	p := &planner{old: old, new: new}
	p.diffTables()
	p.diffRowLevelSecurity()

	if len(p.errs) > 0 {
		metrics.MigrationPlans.WithLabelValues("rejected").Inc()
		return nil, &Errors{Errs: p.errs}
	}

	sortSteps(p.steps)
	sortPrechecks(p.prechecks)
	metrics.MigrationPlans.WithLabelValues("accepted").Inc()
	return &Plan{Steps: p.steps, Prechecks: p.prechecks}, nil
}

type planner struct {
	old, new  *schema.Schema
	steps     []Step
	prechecks []Precheck
	errs      []error
}

func (p *planner) fail(kind errtax.Kind, op string, ctx map[string]any) {
	p.errs = append(p.errs, errtax.New(kind, op, ctx))
}

func (p *planner) diffTables() {
	oldTables := tablesByName(p.old)
	newTables := tablesByName(p.new)

	for name, ot := range oldTables {
		if _, ok := newTables[name]; !ok {
			p.fail(errtax.RemoveTable, "migrate.Plan", map[string]any{"table": ot.Name})
		}
	}

	// Sort by name first so that equivalent schema pairs always
	// produce identical plans before the final stable sort (spec.md
	// §8 "plan(S1, S2).steps is sorted ... testable property").
	names := maps.Keys(newTables)
	slices.Sort(names)

	for _, name := range names {
		nt := newTables[name]
		ot, existed := oldTables[name]
		if !existed {
			p.steps = append(p.steps, Step{Kind: AddTable, Table: nt.Name})
			continue
		}
		p.diffTable(ot, nt)
	}
}

func tablesByName(s *schema.Schema) map[string]*schema.TableDef {
	out := make(map[string]*schema.TableDef, len(s.Tables))
	for i := range s.Tables {
		out[s.Tables[i].Name] = &s.Tables[i]
	}
	return out
}

func (p *planner) diffTable(old, new *schema.TableDef) {
	if old.Kind != new.Kind {
		p.fail(errtax.ChangeTableKind, "migrate.Plan", map[string]any{"table": old.Name})
	}
	if old.Access != new.Access {
		p.steps = append(p.steps, Step{Kind: ChangeAccess, Table: old.Name})
	}

	p.diffColumns(old, new)
	p.diffSchedule(old, new)
	p.diffIndexes(old, new)
	p.diffUnique(old, new)
	p.diffSequences(old, new)
}

// diffColumns looks columns up by name (not position) so a rename-of-
// position shows up as a ReorderTable rejection rather than being
// silently accepted, matching auto_migrate.rs's column_id comparison.
func (p *planner) diffColumns(old, new *schema.TableDef) {
	newByName := make(map[string]int, len(new.Columns))
	for i, c := range new.Columns {
		newByName[c.Name] = i
	}
	oldByName := make(map[string]int, len(old.Columns))
	for i, c := range old.Columns {
		oldByName[c.Name] = i
	}

	for i, oc := range old.Columns {
		ni, ok := newByName[oc.Name]
		if !ok {
			p.fail(errtax.RemoveColumn, "migrate.Plan", map[string]any{"table": old.Name, "column": oc.Name})
			continue
		}
		nc := new.Columns[ni]
		if !sameType(p.old.Typespace, oc.Type, p.new.Typespace, nc.Type) {
			p.fail(errtax.ChangeColumnType, "migrate.Plan",
				map[string]any{"table": old.Name, "column": oc.Name})
		}
		if i != ni {
			p.fail(errtax.ReorderTable, "migrate.Plan", map[string]any{"table": old.Name})
		}
	}
	for _, nc := range new.Columns {
		if _, ok := oldByName[nc.Name]; !ok {
			p.fail(errtax.AddColumn, "migrate.Plan", map[string]any{"table": new.Name, "column": nc.Name})
		}
	}
}

// sameType reports whether oldTy (resolved through oldTs) and newTy
// (resolved through newTs) describe the same structural shape. Each
// side's TagRef is resolved through its own typespace before
// comparison, and TagArray/TagProduct/TagSum recurse element-wise, so
// a ref pointing at a differently-shaped type, or an array element
// type change, is caught even when both sides share the same
// top-level Tag (spec.md §4.7: any column type change is rejected).
//
// Schemas reaching Plan are expected to already be schema.Validate'd,
// which rejects ref cycles (checkAcyclicType), so the ref chase below
// doesn't need its own cycle guard beyond the same bound
// checkAcyclicType itself relies on implicitly via Typespace.Len.
func sameType(oldTs *sats.Typespace, oldTy sats.AlgebraicType, newTs *sats.Typespace, newTy sats.AlgebraicType) bool {
	ot, err := derefFully(oldTs, oldTy)
	if err != nil {
		return false
	}
	nt, err := derefFully(newTs, newTy)
	if err != nil {
		return false
	}
	if ot.Tag != nt.Tag {
		return false
	}
	switch ot.Tag {
	case sats.TagArray:
		return sameType(oldTs, *ot.Array, newTs, *nt.Array)
	case sats.TagProduct:
		if len(ot.Product) != len(nt.Product) {
			return false
		}
		for i := range ot.Product {
			if ot.Product[i].Name != nt.Product[i].Name {
				return false
			}
			if !sameType(oldTs, ot.Product[i].Type, newTs, nt.Product[i].Type) {
				return false
			}
		}
		return true
	case sats.TagSum:
		if len(ot.Sum) != len(nt.Sum) {
			return false
		}
		for i := range ot.Sum {
			if ot.Sum[i].Name != nt.Sum[i].Name {
				return false
			}
			if !sameType(oldTs, ot.Sum[i].Type, newTs, nt.Sum[i].Type) {
				return false
			}
		}
		return true
	default:
		return true // primitive tags already compared above
	}
}

// derefFully chases a chain of TagRef indirections to the underlying
// non-ref type, bounded by ts.Len() so a ref cycle that slipped past
// validation fails closed instead of looping forever. It never
// touches ts for a non-ref type, so callers diffing tables whose
// schema carries no Typespace (no column among them is ever a ref)
// stay nil-safe.
func derefFully(ts *sats.Typespace, t sats.AlgebraicType) (sats.AlgebraicType, error) {
	if t.Tag != sats.TagRef {
		return t, nil
	}
	limit := ts.Len()
	for i := 0; i <= limit; i++ {
		resolved, err := ts.Deref(t)
		if err != nil {
			return sats.AlgebraicType{}, err
		}
		t = resolved
		if t.Tag != sats.TagRef {
			return t, nil
		}
	}
	return sats.AlgebraicType{}, fmt.Errorf("migrate: ref chain exceeds typespace size")
}

func (p *planner) diffSchedule(old, new *schema.TableDef) {
	changed := (old.Schedule == nil) != (new.Schedule == nil)
	if !changed && old.Schedule != nil {
		changed = old.Schedule.Column != new.Schedule.Column || old.Schedule.Reducer != new.Schedule.Reducer
	}
	if !changed {
		return
	}
	if old.Schedule != nil {
		p.steps = append(p.steps, Step{Kind: RemoveSchedule, Table: old.Name, Name: old.Schedule.Column})
	}
	if new.Schedule != nil {
		p.steps = append(p.steps, Step{Kind: AddSchedule, Table: new.Name, Name: new.Schedule.Column})
	}
}

func (p *planner) diffIndexes(old, new *schema.TableDef) {
	oldByName := make(map[string]schema.IndexDef, len(old.Indexes))
	for _, ix := range old.Indexes {
		oldByName[ix.Name] = ix
	}
	newByName := make(map[string]schema.IndexDef, len(new.Indexes))
	for _, ix := range new.Indexes {
		newByName[ix.Name] = ix
	}

	for _, oix := range old.Indexes {
		nix, ok := newByName[oix.Name]
		if !ok {
			p.steps = append(p.steps, Step{Kind: RemoveIndex, Table: old.Name, Name: oix.Name})
			continue
		}
		if oix.Accessor != nix.Accessor {
			p.fail(errtax.ChangeIndexAccessor, "migrate.Plan",
				map[string]any{"table": old.Name, "index": oix.Name,
					"old_accessor": oix.Accessor, "new_accessor": nix.Accessor})
			continue
		}
		if oix.Algo != nix.Algo || !sameColumns(oix.Columns, nix.Columns) {
			p.steps = append(p.steps, Step{Kind: RemoveIndex, Table: old.Name, Name: oix.Name})
			p.steps = append(p.steps, Step{Kind: AddIndex, Table: new.Name, Name: nix.Name})
		}
	}
	for _, nix := range new.Indexes {
		if _, ok := oldByName[nix.Name]; !ok {
			p.steps = append(p.steps, Step{Kind: AddIndex, Table: new.Name, Name: nix.Name})
		}
	}
}

func (p *planner) diffUnique(old, new *schema.TableDef) {
	oldByName := make(map[string]schema.UniqueConstraint, len(old.Unique))
	for _, u := range old.Unique {
		oldByName[u.Name] = u
	}
	newByName := make(map[string]schema.UniqueConstraint, len(new.Unique))
	for _, u := range new.Unique {
		newByName[u.Name] = u
	}

	for _, ou := range old.Unique {
		nu, ok := newByName[ou.Name]
		if !ok {
			p.steps = append(p.steps, Step{Kind: RemoveConstraint, Table: old.Name, Name: ou.Name})
			continue
		}
		if !sameColumns(ou.Columns, nu.Columns) {
			p.fail(errtax.ChangeUniqueConstraint, "migrate.Plan",
				map[string]any{"table": old.Name, "constraint": ou.Name})
		}
	}
	for _, nu := range new.Unique {
		if _, ok := oldByName[nu.Name]; !ok {
			// A unique constraint cannot be validated against existing
			// data without a scan that may reveal a violation during
			// cutover (spec.md §4.7), so adding one to an existing
			// table is always rejected, regardless of whether the
			// table itself is new (new tables are handled wholesale by
			// AddTable and never reach diffUnique).
			p.fail(errtax.AddUniqueConstraint, "migrate.Plan",
				map[string]any{"table": new.Name, "constraint": nu.Name})
		}
	}
}

func (p *planner) diffSequences(old, new *schema.TableDef) {
	oldByName := make(map[string]schema.SequenceDef, len(old.Sequences))
	for _, s := range old.Sequences {
		oldByName[s.Name] = s
	}
	newByName := make(map[string]schema.SequenceDef, len(new.Sequences))
	for _, s := range new.Sequences {
		newByName[s.Name] = s
	}

	for _, os := range old.Sequences {
		ns, ok := newByName[os.Name]
		if !ok {
			p.steps = append(p.steps, Step{Kind: RemoveSequence, Table: old.Name, Name: os.Name})
			continue
		}
		if os != ns {
			p.prechecks = append(p.prechecks, Precheck{Table: new.Name, Column: ns.Column, Start: ns.Start})
			p.steps = append(p.steps, Step{Kind: RemoveSequence, Table: old.Name, Name: os.Name})
			p.steps = append(p.steps, Step{Kind: AddSequence, Table: new.Name, Name: ns.Name})
		}
	}
	for _, ns := range new.Sequences {
		if _, ok := oldByName[ns.Name]; !ok {
			p.prechecks = append(p.prechecks, Precheck{Table: new.Name, Column: ns.Column, Start: ns.Start})
			p.steps = append(p.steps, Step{Kind: AddSequence, Table: new.Name, Name: ns.Name})
		}
	}
}

func (p *planner) diffRowLevelSecurity() {
	// RLS rules are always fully removed then re-added at the end of
	// the plan (spec.md §4.7), unconditionally, so that earlier table
	// additions/drops are visible once RLS is (re-)evaluated; this
	// intentionally does not attempt to diff rule content.
	for _, r := range p.old.RLSRules {
		p.steps = append(p.steps, Step{Kind: RemoveRowLevelSecurity, Table: r.Table, Name: r.Name})
	}
	for _, r := range p.new.RLSRules {
		p.steps = append(p.steps, Step{Kind: AddRowLevelSecurity, Table: r.Table, Name: r.Name})
	}
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// sortSteps imposes the stable total order spec.md §4.7 requires: by
// Kind first (Removes before Adds, per StepKind's declaration order),
// then by table name, then by step name, so equivalent schema pairs
// produce byte-identical plans (spec.md §8).
func sortSteps(steps []Step) {
	sort.SliceStable(steps, func(i, j int) bool {
		a, b := steps[i], steps[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.Name < b.Name
	})
}

func sortPrechecks(pre []Precheck) {
	sort.SliceStable(pre, func(i, j int) bool {
		a, b := pre[i], pre[j]
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.Column < b.Column
	})
}
