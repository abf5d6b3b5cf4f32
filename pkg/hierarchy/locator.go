package hierarchy

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/daimatz/jweave/pkg/classfile"
)

// ErrNotFound is wrapped by locators that do not know a class.
var ErrNotFound = errors.New("class not found")

// Detail tells a locator how much of a class the caller needs.
type Detail uint8

const (
	// DetailHeader is enough to build an Entry; method bodies may be dropped.
	DetailHeader Detail = iota
	// DetailFull keeps every method body.
	DetailFull
)

// Locator finds the class file of a type that has not been observed
// loading yet.
type Locator interface {
	Locate(loader *Loader, name string, detail Detail) (*classfile.ClassFile, error)
}

func parseUnit(data []byte, detail Detail) (*classfile.ClassFile, error) {
	cf, err := classfile.ParseBytes(data)
	if err != nil {
		return nil, err
	}
	if detail == DetailHeader {
		for i := range cf.Methods {
			cf.Methods[i].Code = nil
		}
	}
	return cf, nil
}

// DirLocator loads classes from a classpath directory.
type DirLocator struct {
	Dir string
}

func (l *DirLocator) Locate(_ *Loader, name string, detail Detail) (*classfile.ClassFile, error) {
	path := filepath.Join(l.Dir, filepath.FromSlash(name)+".class")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("dir: %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("dir: reading %s: %w", path, err)
	}
	cf, err := parseUnit(data, detail)
	if err != nil {
		return nil, fmt.Errorf("dir: parsing %s: %w", name, err)
	}
	return cf, nil
}

// ZipLocator loads classes from a jar or a JDK jmod file.
type ZipLocator struct {
	Path string

	prefix string
	skip   int

	mu    sync.Mutex
	files map[string]*zip.File
}

// NewJarLocator reads classes from a jar.
func NewJarLocator(path string) *ZipLocator {
	return &ZipLocator{Path: path}
}

// NewJmodLocator reads classes from a jmod, e.g. java.base.jmod.
func NewJmodLocator(path string) *ZipLocator {
	return &ZipLocator{Path: path, prefix: "classes/", skip: 4} // "JM\x01\x00" header
}

func (l *ZipLocator) ensureIndex() error {
	if l.files != nil {
		return nil
	}

	f, err := os.Open(l.Path)
	if err != nil {
		return fmt.Errorf("zip: opening %s: %w", l.Path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("zip: stat %s: %w", l.Path, err)
	}
	if stat.Size() < int64(l.skip) {
		return fmt.Errorf("zip: %s is truncated", l.Path)
	}

	data := make([]byte, stat.Size())
	if _, err := io.ReadFull(f, data); err != nil {
		return fmt.Errorf("zip: reading %s: %w", l.Path, err)
	}

	data = data[l.skip:]
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("zip: opening %s: %w", l.Path, err)
	}
	l.files = make(map[string]*zip.File, len(zr.File))
	for _, file := range zr.File {
		if name, ok := strings.CutPrefix(file.Name, l.prefix); ok && strings.HasSuffix(name, ".class") {
			l.files[strings.TrimSuffix(name, ".class")] = file
		}
	}
	log.Debugf("indexed %d classes in %s", len(l.files), l.Path)
	return nil
}

func (l *ZipLocator) Locate(_ *Loader, name string, detail Detail) (*classfile.ClassFile, error) {
	l.mu.Lock()
	err := l.ensureIndex()
	file := l.files[name]
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, fmt.Errorf("zip: %s not in %s: %w", name, l.Path, ErrNotFound)
	}

	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("zip: opening %s: %w", file.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("zip: reading %s: %w", file.Name, err)
	}
	cf, err := parseUnit(data, detail)
	if err != nil {
		return nil, fmt.Errorf("zip: parsing %s: %w", name, err)
	}
	return cf, nil
}

// MemoryLocator serves class images held in memory.
type MemoryLocator struct {
	mu      sync.RWMutex
	classes map[string][]byte
}

func NewMemoryLocator() *MemoryLocator {
	return &MemoryLocator{classes: make(map[string][]byte)}
}

// Add stores the image of name, replacing any previous one.
func (l *MemoryLocator) Add(name string, data []byte) {
	l.mu.Lock()
	l.classes[name] = data
	l.mu.Unlock()
}

// AddClass serializes cf and stores it under its own name.
func (l *MemoryLocator) AddClass(cf *classfile.ClassFile) error {
	name, err := cf.ClassName()
	if err != nil {
		return err
	}
	data, err := classfile.Bytes(cf)
	if err != nil {
		return err
	}
	l.Add(name, data)
	return nil
}

func (l *MemoryLocator) Locate(_ *Loader, name string, detail Detail) (*classfile.ClassFile, error) {
	l.mu.RLock()
	data, ok := l.classes[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memory: %s: %w", name, ErrNotFound)
	}
	return parseUnit(data, detail)
}

// FindJmodPath guesses the location of java.base.jmod from the
// environment. It returns "" when nothing is found.
func FindJmodPath() string {
	if env := os.Getenv("JAVA_BASE_JMOD"); env != "" {
		return env
	}
	if javaHome := os.Getenv("JAVA_HOME"); javaHome != "" {
		p := filepath.Join(javaHome, "jmods", "java.base.jmod")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	matches, _ := filepath.Glob("/usr/lib/jvm/java-*-openjdk-*/jmods/java.base.jmod")
	if len(matches) > 0 {
		return matches[0]
	}
	return ""
}
