package container

import (
	"archive/zip"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/beevik/etree"
)

const (
	manifestNamespace = "urn:oasis:names:tc:opendocument:xmlns:manifest:1.0"
	manifestPrefix    = "manifest"
)

// maxEntrySize bounds how much of a single zip entry is read into memory.
const maxEntrySize = 1 << 30

// OpenOption configures Open.
type OpenOption func(*Container)

// WithType sets the flavour of the opened container.
func WithType(t Type) OpenOption {
	return func(c *Container) { c.typ = t }
}

// Save writes the container as a zip archive: mimetype first and stored,
// then the manifest, the data files and the signatures.
func (c *Container) Save(w io.Writer) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	zw := zip.NewWriter(w)
	if err := writeMimetype(zw); err != nil {
		return err
	}

	manifest, err := c.manifest()
	if err != nil {
		return err
	}
	if err := writeEntry(zw, manifestEntry, manifest); err != nil {
		return err
	}
	for _, f := range c.dataFiles {
		if err := writeEntry(zw, f.Name, f.Data); err != nil {
			return err
		}
	}
	for _, s := range c.signatures {
		if err := writeEntry(zw, s.Name, s.Data); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish container: %w", err)
	}
	return nil
}

// SaveFile writes the container to path.
func (c *Container) SaveFile(path string) error {
	var buf bytes.Buffer
	if err := c.Save(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func writeMimetype(zw *zip.Writer) error {
	body := []byte(MimeType)
	fh := &zip.FileHeader{
		Name:               mimetypeEntry,
		Method:             zip.Store,
		CRC32:              crc32.ChecksumIEEE(body),
		CompressedSize64:   uint64(len(body)),
		UncompressedSize64: uint64(len(body)),
	}
	w, err := zw.CreateRaw(fh)
	if err != nil {
		return fmt.Errorf("failed to write mimetype: %w", err)
	}
	_, err = w.Write(body)
	return err
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func (c *Container) manifest() ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8" standalone="no"`)
	root := doc.CreateElement(manifestPrefix + ":manifest")
	root.CreateAttr("xmlns:"+manifestPrefix, manifestNamespace)
	root.CreateAttr(manifestPrefix+":version", "1.2")

	addFileEntry := func(fullPath, mediaType string) {
		e := root.CreateElement(manifestPrefix + ":file-entry")
		e.CreateAttr(manifestPrefix+":full-path", fullPath)
		e.CreateAttr(manifestPrefix+":media-type", mediaType)
	}
	addFileEntry("/", MimeType)
	for _, f := range c.dataFiles {
		addFileEntry(f.Name, f.MediaType)
	}

	doc.Indent(2)
	return doc.WriteToBytes()
}

// Open reads a container from a zip archive.
func Open(r io.ReaderAt, size int64, opts ...OpenOption) (*Container, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContainer, err)
	}
	c := New(TypeASiCE)
	for _, opt := range opts {
		opt(c)
	}

	var (
		mediaTypes map[string]string
		files      = make(map[string][]byte)
		order      []string
	)
	for i, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		switch {
		case f.Name == mimetypeEntry:
			if i != 0 {
				return nil, fmt.Errorf("%w: mimetype is not the first entry", ErrInvalidContainer)
			}
			if got := strings.TrimSpace(string(data)); got != MimeType {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedMimeType, got)
			}
		case f.Name == manifestEntry:
			if mediaTypes, err = parseManifest(data); err != nil {
				return nil, err
			}
		case isSignatureEntry(f.Name):
			c.signatures = append(c.signatures, SignatureEntry{Name: f.Name, Data: data})
		case strings.HasPrefix(f.Name, metaInfDir):
			// Other META-INF entries are not signed content.
		default:
			files[f.Name] = data
			order = append(order, f.Name)
		}
	}

	for _, name := range order {
		mt := mediaTypes[name]
		if mt == "" {
			mt = "application/octet-stream"
		}
		c.dataFiles = append(c.dataFiles, DataFile{Name: name, MediaType: mt, Data: files[name]})
	}
	return c, nil
}

// OpenFile opens the container at path. A .bdoc extension selects the BDOC
// flavour unless an option overrides it.
func OpenFile(path string, opts ...OpenOption) (*Container, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".bdoc") {
		opts = append([]OpenOption{WithType(TypeBDOC)}, opts...)
	}
	return Open(bytes.NewReader(data), int64(len(data)), opts...)
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntrySize {
		return nil, fmt.Errorf("%w: entry %s is too large", ErrInvalidContainer, f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidContainer, f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidContainer, f.Name, err)
	}
	return data, nil
}

func parseManifest(data []byte) (map[string]string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrInvalidContainer, err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "manifest" {
		return nil, fmt.Errorf("%w: manifest root missing", ErrInvalidContainer)
	}
	out := make(map[string]string)
	for _, e := range root.SelectElements("file-entry") {
		fullPath := attrValue(e, "full-path")
		if fullPath == "" || fullPath == "/" {
			continue
		}
		out[fullPath] = attrValue(e, "media-type")
	}
	return out, nil
}

// attrValue ignores the attribute prefix, which varies between producers.
func attrValue(e *etree.Element, key string) string {
	for _, a := range e.Attr {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}
