// Package container reads and writes ASiC-E and BDOC signature containers.
package container

import (
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/beevik/etree"
)

// Type is the container flavour. BDOC shares the ASiC-E layout but also
// accepts time-mark and EPES signatures.
type Type string

const (
	TypeASiCE Type = "ASICE"
	TypeBDOC  Type = "BDOC"
)

const (
	// MimeType is written to the mimetype entry of every container.
	MimeType = "application/vnd.etsi.asic-e+zip"

	mimetypeEntry = "mimetype"
	metaInfDir    = "META-INF/"
	manifestEntry = "META-INF/manifest.xml"
)

var (
	ErrDataFilesLocked     = errors.New("data files cannot be changed in a signed container")
	ErrDuplicateDataFile   = errors.New("data file already exists")
	ErrInvalidFileName     = errors.New("invalid data file name")
	ErrDataFileNotFound    = errors.New("data file not found")
	ErrSignatureNotFound   = errors.New("signature not found")
	ErrInvalidContainer    = errors.New("invalid container")
	ErrUnsupportedMimeType = errors.New("unsupported container mimetype")

	ErrDuplicateSignatureID = errors.New("signature with this id already exists")
	ErrDataFilesChanged     = errors.New("container data files changed after the data to sign was built")
)

const dsigNamespace = "http://www.w3.org/2000/09/xmldsig#"

// DataFile is one signed payload.
type DataFile struct {
	Name      string
	MediaType string
	Data      []byte
}

// Digest returns the digest of the file content.
func (f DataFile) Digest(h crypto.Hash) []byte {
	d := h.New()
	d.Write(f.Data)
	return d.Sum(nil)
}

// SignatureEntry is a signature document stored under META-INF.
type SignatureEntry struct {
	Name string
	Data []byte
}

// Container holds data files and signature documents. It is safe for
// concurrent use.
type Container struct {
	mu         sync.RWMutex
	typ        Type
	dataFiles  []DataFile
	signatures []SignatureEntry
}

// New returns an empty container.
func New(typ Type) *Container {
	if typ == "" {
		typ = TypeASiCE
	}
	return &Container{typ: typ}
}

// Type returns the container flavour.
func (c *Container) Type() Type {
	return c.typ
}

// AddDataFile appends a data file. Files cannot be added once the container
// carries a signature.
func (c *Container) AddDataFile(name, mediaType string, data []byte) error {
	if err := checkFileName(name); err != nil {
		return err
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.signatures) > 0 {
		return ErrDataFilesLocked
	}
	for _, f := range c.dataFiles {
		if f.Name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateDataFile, name)
		}
	}
	c.dataFiles = append(c.dataFiles, DataFile{Name: name, MediaType: mediaType, Data: append([]byte(nil), data...)})
	return nil
}

// RemoveDataFile removes a data file from an unsigned container.
func (c *Container) RemoveDataFile(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.signatures) > 0 {
		return ErrDataFilesLocked
	}
	for i, f := range c.dataFiles {
		if f.Name == name {
			c.dataFiles = append(c.dataFiles[:i], c.dataFiles[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrDataFileNotFound, name)
}

// DataFiles returns the data files in insertion order.
func (c *Container) DataFiles() []DataFile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]DataFile, len(c.dataFiles))
	copy(out, c.dataFiles)
	return out
}

// Signatures returns the stored signature documents in entry order.
func (c *Container) Signatures() []SignatureEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SignatureEntry, len(c.signatures))
	copy(out, c.signatures)
	return out
}

// AddSignature stores a signature document as the next free
// META-INF/signatures<N>.xml entry. A document whose ds:Signature Id is
// already used by a stored signature is rejected.
func (c *Container) AddSignature(data []byte) (SignatureEntry, error) {
	return c.addSignature(data, nil)
}

// AddSignatureOver stores a signature document like AddSignature, but only
// when the data files are still exactly files (names, media types and
// content). Both checks run under the container lock.
func (c *Container) AddSignatureOver(files []DataFile, data []byte) (SignatureEntry, error) {
	if files == nil {
		files = []DataFile{}
	}
	return c.addSignature(data, files)
}

func (c *Container) addSignature(data []byte, files []DataFile) (SignatureEntry, error) {
	if len(data) == 0 {
		return SignatureEntry{}, fmt.Errorf("%w: empty signature document", ErrInvalidContainer)
	}
	ids := SignatureIDs(data)

	c.mu.Lock()
	defer c.mu.Unlock()

	if files != nil && !sameDataFiles(files, c.dataFiles) {
		return SignatureEntry{}, ErrDataFilesChanged
	}
	taken := make(map[string]bool, len(c.signatures))
	for _, s := range c.signatures {
		taken[s.Name] = true
		for _, id := range SignatureIDs(s.Data) {
			if slices.Contains(ids, id) {
				return SignatureEntry{}, fmt.Errorf("%w: %s", ErrDuplicateSignatureID, id)
			}
		}
	}
	n := 0
	for taken[signatureEntryName(n)] {
		n++
	}
	entry := SignatureEntry{Name: signatureEntryName(n), Data: append([]byte(nil), data...)}
	c.signatures = append(c.signatures, entry)
	return entry, nil
}

// SignatureIDs returns the Id attributes of the ds:Signature elements in a
// signature document. Unparseable documents have none.
func SignatureIDs(data []byte) []string {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil
	}
	var ids []string
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		if e.Tag == "Signature" && e.NamespaceURI() == dsigNamespace {
			if id := e.SelectAttrValue("Id", ""); id != "" {
				ids = append(ids, id)
			}
			return
		}
		for _, child := range e.ChildElements() {
			walk(child)
		}
	}
	if root := doc.Root(); root != nil {
		walk(root)
	}
	return ids
}

func sameDataFiles(a, b []DataFile) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].MediaType != b[i].MediaType || !bytes.Equal(a[i].Data, b[i].Data) {
			return false
		}
	}
	return true
}

// ReplaceSignature swaps the document of an existing signature entry.
func (c *Container) ReplaceSignature(name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.signatures {
		if c.signatures[i].Name == name {
			c.signatures[i].Data = append([]byte(nil), data...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSignatureNotFound, name)
}

// RemoveSignature deletes a signature entry.
func (c *Container) RemoveSignature(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.signatures {
		if c.signatures[i].Name == name {
			c.signatures = append(c.signatures[:i], c.signatures[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSignatureNotFound, name)
}

func signatureEntryName(n int) string {
	return fmt.Sprintf("%ssignatures%d.xml", metaInfDir, n)
}

func isSignatureEntry(name string) bool {
	if !strings.HasPrefix(name, metaInfDir) || strings.Contains(name[len(metaInfDir):], "/") {
		return false
	}
	base := path.Base(name)
	return strings.Contains(strings.ToLower(base), "signatures") && strings.HasSuffix(strings.ToLower(base), ".xml")
}

func checkFileName(name string) error {
	switch {
	case name == "", strings.HasSuffix(name, "/"):
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	case name == mimetypeEntry, strings.HasPrefix(name, metaInfDir):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidFileName, name)
	case strings.ContainsAny(name, "\\\x00"), path.IsAbs(name), path.Clean(name) != name:
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return nil
}
