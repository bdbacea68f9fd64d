// Package elfimage loads an ELF executable fully into memory and exposes its
// sections and symbol table.
package elfimage

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io/ioutil"

	"github.com/pkg/errors"
)

// SectionNotFoundError is returned when the image lacks a section.
type SectionNotFoundError struct {
	Name string
}

func (e *SectionNotFoundError) Error() string {
	return fmt.Sprintf("elf: could not find %s section", e.Name)
}

// Image is an ELF file held in memory.
type Image struct {
	Path string
	File *elf.File

	raw      []byte
	sections map[string][]byte

	symbols     []elf.Symbol
	symbolsRead bool
	symbolErr   error
	byName      map[string]elf.Symbol
}

// Open reads the file at path.
func Open(path string) (*Image, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return New(path, raw)
}

// New parses an ELF image from raw bytes.
func New(path string, raw []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse %s", path)
	}
	return &Image{Path: path, File: f, raw: raw, sections: make(map[string][]byte)}, nil
}

// Raw returns the file content.
func (im *Image) Raw() []byte {
	return im.raw
}

// HasSection reports whether the image contains the named section.
func (im *Image) HasSection(name string) bool {
	return im.File.Section(name) != nil
}

// Section returns the content of the named section.
func (im *Image) Section(name string) ([]byte, error) {
	if data, ok := im.sections[name]; ok {
		return data, nil
	}
	sec := im.File.Section(name)
	if sec == nil {
		return nil, &SectionNotFoundError{Name: name}
	}
	if sec.Type == elf.SHT_NOBITS {
		return nil, nil
	}
	data, err := sec.Data()
	if err != nil {
		return nil, errors.Wrapf(err, "elf: could not get %s section", name)
	}
	im.sections[name] = data
	return data, nil
}

// SectionAddr returns the load address of the named section.
func (im *Image) SectionAddr(name string) (uint64, error) {
	sec := im.File.Section(name)
	if sec == nil {
		return 0, &SectionNotFoundError{Name: name}
	}
	return sec.Addr, nil
}

// ByteOrder returns the byte order of the image.
func (im *Image) ByteOrder() binary.ByteOrder {
	return im.File.ByteOrder
}

// AddressSize returns the size in bytes of a target address.
func (im *Image) AddressSize() int {
	if im.File.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// ArchName returns the name of the image machine as used by pkg/arch.
func (im *Image) ArchName() string {
	switch im.File.Machine {
	case elf.EM_X86_64:
		return "amd64"
	case elf.EM_386:
		return "386"
	}
	return im.File.Machine.String()
}

// DWARF returns the parsed debug information.
func (im *Image) DWARF() (*dwarf.Data, error) {
	d, err := im.File.DWARF()
	if err != nil {
		return nil, errors.Wrapf(err, "could not load DWARF from %s", im.Path)
	}
	return d, nil
}

// Symbols returns the content of .symtab.
func (im *Image) Symbols() ([]elf.Symbol, error) {
	if !im.symbolsRead {
		im.symbolsRead = true
		im.symbols, im.symbolErr = im.File.Symbols()
		im.byName = make(map[string]elf.Symbol, len(im.symbols))
		for _, s := range im.symbols {
			if _, dup := im.byName[s.Name]; !dup && s.Name != "" {
				im.byName[s.Name] = s
			}
		}
	}
	return im.symbols, im.symbolErr
}

// LookupSymbol returns the first .symtab symbol called name.
func (im *Image) LookupSymbol(name string) (elf.Symbol, bool) {
	if _, err := im.Symbols(); err != nil {
		return elf.Symbol{}, false
	}
	s, ok := im.byName[name]
	return s, ok
}
