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

// Command stdb is a debug CLI over the datastore facade: bootstrapping
// a database directory from a module definition file, inspecting its
// persisted catalog, applying a migration, and reporting per-table row
// counts. It plays the same role for this engine that the teacher's
// cmd/sdb plays for Sneller's db package.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/SnellerInc/stdb/config"
	"github.com/SnellerInc/stdb/datastore"
	"github.com/SnellerInc/stdb/schema"
	"github.com/SnellerInc/stdb/stdblog"
)

var (
	dashv      bool
	dashh      bool
	configPath string
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.BoolVar(&dashh, "h", false, "show usage help")
	flag.StringVar(&configPath, "c", "", "config YAML file (default: built-in defaults)")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func loadConfig() config.Options {
	if configPath == "" {
		return config.Default()
	}
	opts, err := config.LoadFile(configPath)
	if err != nil {
		exitf("%s\n", err)
	}
	return opts
}

func logger() *stdblog.Logger {
	lvl := stdblog.LevelInfo
	if dashv {
		lvl = stdblog.LevelDebug
	}
	return stdblog.New("stdb: ", lvl)
}

func loadSchema(defpath string) *schema.Schema {
	def, err := schema.LoadModuleDef(defpath)
	if err != nil {
		exitf("%s\n", err)
	}
	s, err := def.Schema()
	if err != nil {
		exitf("building schema from %s: %s\n", defpath, err)
	}
	if err := schema.Validate(s); err != nil {
		exitf("validating %s: %s\n", defpath, err)
	}
	return s
}

// create bootstraps a fresh database directory from a module
// definition file and reports the table ids it assigned.
func create(dir, defpath string) {
	s := loadSchema(defpath)
	f, err := datastore.Open(dir, loadConfig(), s, logger())
	if err != nil {
		exitf("opening %s: %s\n", dir, err)
	}
	defer f.Close()

	for _, t := range s.Tables {
		id, _ := f.TableID(t.Name)
		fmt.Printf("%-24s id=%d\n", t.Name, id)
	}
}

// showSchema recovers and prints a database's catalog purely from its
// commit log, without requiring the caller to already know its shape.
func showSchema(dir string) {
	s, ids, err := datastore.InspectCatalog(dir)
	if err != nil {
		exitf("%s\n", err)
	}
	for _, t := range s.Tables {
		fmt.Printf("table %s (id=%d, access=%v)\n", t.Name, ids[t.Name], t.Access)
		for _, c := range t.Columns {
			fmt.Printf("  %-16s %s\n", c.Name, c.Type.Tag)
		}
	}
}

// migrate recovers a database's current catalog, plans a migration to
// the schema described by defpath, applies it, and prints the steps
// taken.
func migrate(dir, defpath string) {
	cur, _, err := datastore.InspectCatalog(dir)
	if err != nil {
		exitf("recovering current schema for %s: %s\n", dir, err)
	}
	f, err := datastore.Open(dir, loadConfig(), cur, logger())
	if err != nil {
		exitf("opening %s: %s\n", dir, err)
	}
	defer f.Close()

	next := loadSchema(defpath)
	plan, err := f.ApplyMigration(next)
	if err != nil {
		exitf("migrating %s: %s\n", dir, err)
	}
	if len(plan.Steps) == 0 {
		fmt.Println("no changes")
		return
	}
	for _, step := range plan.Steps {
		if step.Name == "" {
			fmt.Printf("%-24s %s\n", step.Kind, step.Table)
		} else {
			fmt.Printf("%-24s %s.%s\n", step.Kind, step.Table, step.Name)
		}
	}
}

// stats opens an existing database against the schema described by
// defpath and reports each table's live row count.
func stats(dir, defpath string) {
	s := loadSchema(defpath)
	f, err := datastore.Open(dir, loadConfig(), s, logger())
	if err != nil {
		exitf("opening %s: %s\n", dir, err)
	}
	defer f.Close()

	tx := f.BeginTx()
	defer tx.Rollback()
	for _, t := range s.Tables {
		id, _ := f.TableID(t.Name)
		n := 0
		if err := f.ScanBlobsTx(tx, id, func(_ datastore.RowID, _ []byte) bool {
			n++
			return true
		}); err != nil {
			exitf("scanning %s: %s\n", t.Name, err)
		}
		fmt.Printf("%-24s %d rows\n", t.Name, n)
	}
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 || dashh {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "commands: create, show-schema, migrate, stats")
		os.Exit(1)
	}

	switch args[0] {
	case "create":
		if len(args) != 3 {
			exitf("usage: create <dir> <definition.yaml>\n")
		}
		create(args[1], args[2])
	case "show-schema":
		if len(args) != 2 {
			exitf("usage: show-schema <dir>\n")
		}
		showSchema(args[1])
	case "migrate":
		if len(args) != 3 {
			exitf("usage: migrate <dir> <definition.yaml>\n")
		}
		migrate(args[1], args[2])
	case "stats":
		if len(args) != 3 {
			exitf("usage: stats <dir> <definition.yaml>\n")
		}
		stats(args[1], args[2])
	default:
		exitf("commands: create, show-schema, migrate, stats\n")
	}
}
