package translator

import (
	"fmt"
	"strings"

	"rvm/pkg/emu"
)

// unitHeader opens the generated translation unit: the plugin shell
// with its Init export.
func unitHeader() string {
	return `// Code generated by the rvm binary translator. DO NOT EDIT.
package main

import (
	emu "rvm/pkg/emu"
	tr "rvm/pkg/translator"
)

var api tr.CallbackTable
var arenaData []byte

// Init receives the callback table and the guest arena.
func Init(table *tr.CallbackTable, arena []byte) {
	api = *table
	arenaData = arena
}

`
}

// dedupeMappings assigns every distinct symbol a mapping index in
// first-seen order.
func dedupeMappings(mappings []Mapping) (rows []AddrMapping, symbols []string) {
	indices := make(map[string]uint32)
	for _, mp := range mappings {
		idx, ok := indices[mp.Symbol]
		if !ok {
			idx = uint32(len(symbols))
			indices[mp.Symbol] = idx
			symbols = append(symbols, mp.Symbol)
		}
		rows = append(rows, AddrMapping{Addr: mp.Addr, MappingIndex: idx})
	}
	return rows, symbols
}

// unitFooter renders the exported mapping tables the loader resolves.
func unitFooter(mappings []Mapping, nblocks int) (string, int, error) {
	rows, symbols := dedupeMappings(mappings)
	if len(symbols) != nblocks {
		return "", 0, emu.Errorf(emu.InvalidProgram, "mismatch in unique mappings")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "var NoMappings = uint32(%d)\n", len(rows))
	sb.WriteString("var Mappings = []tr.AddrMapping{\n")
	for _, row := range rows {
		fmt.Fprintf(&sb, "\t{Addr: %#x, MappingIndex: %d},\n", row.Addr, row.MappingIndex)
	}
	sb.WriteString("}\n")
	fmt.Fprintf(&sb, "var NoHandlers = uint32(%d)\n", len(symbols))
	sb.WriteString("var UniqueMappings = []emu.BlockFn{\n")
	for _, sym := range symbols {
		fmt.Fprintf(&sb, "\t%s,\n", sym)
	}
	sb.WriteString("}\n")
	return sb.String(), len(symbols), nil
}

// embeddableUnit renders the self-registering source variant: compiled
// into the host binary, its init function places the translation in
// the embedded registry keyed by hash.
func embeddableUnit(hash uint32, code string, mappings []Mapping) string {
	rows, symbols := dedupeMappings(mappings)

	var sb strings.Builder
	sb.WriteString("// Code generated by the rvm binary translator. DO NOT EDIT.\n")
	sb.WriteString("// Embeddable translation: build this file into the host binary.\n")
	sb.WriteString("package bintr\n\n")
	sb.WriteString("import (\n\temu \"rvm/pkg/emu\"\n\ttr \"rvm/pkg/translator\"\n)\n\n")
	sb.WriteString("var api tr.CallbackTable\nvar arenaData []byte\n\n")

	// The block functions, minus the plugin header that the normal
	// unit carries.
	sb.WriteString(strings.TrimPrefix(code, unitHeader()))

	fmt.Fprintf(&sb, "\nfunc init() {\n\ttr.MustRegisterTranslation(tr.EmbeddedTranslation{\n")
	fmt.Fprintf(&sb, "\t\tHash: %#x,\n", hash)
	sb.WriteString("\t\tMappings: []tr.AddrMapping{\n")
	for _, row := range rows {
		fmt.Fprintf(&sb, "\t\t\t{Addr: %#x, MappingIndex: %d},\n", row.Addr, row.MappingIndex)
	}
	sb.WriteString("\t\t},\n")
	sb.WriteString("\t\tHandlers: []emu.BlockFn{\n")
	for _, sym := range symbols {
		fmt.Fprintf(&sb, "\t\t\t%s,\n", sym)
	}
	sb.WriteString("\t\t},\n")
	sb.WriteString("\t\tInit: func(t *tr.CallbackTable, arena []byte) {\n")
	sb.WriteString("\t\t\tapi = *t\n\t\t\tarenaData = arena\n\t\t},\n")
	sb.WriteString("\t})\n}\n")
	return sb.String()
}
