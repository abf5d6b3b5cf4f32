package hierarchy

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daimatz/jweave/pkg/classfile"
)

func class(t *testing.T, name, super string, ifaces ...string) *classfile.ClassFile {
	t.Helper()
	cf, _ := classfile.NewClassFile(52, classfile.AccPublic|classfile.AccSuper, name, super, ifaces...)
	return cf
}

func iface(t *testing.T, name string, supers ...string) *classfile.ClassFile {
	t.Helper()
	cf, _ := classfile.NewClassFile(52, classfile.AccPublic|classfile.AccInterface|classfile.AccAbstract, name, classfile.ObjectClass, supers...)
	return cf
}

func classBytes(t *testing.T, cf *classfile.ClassFile) []byte {
	t.Helper()
	data, err := classfile.Bytes(cf)
	require.NoError(t, err)
	return data
}

// zoo is
//
//	interface Named; interface Pet extends Named; interface Wild extends Named
//	class Animal implements Named; class Cat extends Animal implements Pet, Wild
//	class Dog extends Animal implements Pet
func zoo(t *testing.T) *MemoryLocator {
	t.Helper()
	m := NewMemoryLocator()
	for _, cf := range []*classfile.ClassFile{
		iface(t, "demo/Named"),
		iface(t, "demo/Pet", "demo/Named"),
		iface(t, "demo/Wild", "demo/Named"),
		class(t, "demo/Animal", classfile.ObjectClass, "demo/Named"),
		class(t, "demo/Cat", "demo/Animal", "demo/Pet", "demo/Wild"),
		class(t, "demo/Dog", "demo/Animal", "demo/Pet"),
		class(t, "demo/Orphan", "demo/Missing"),
	} {
		require.NoError(t, m.AddClass(cf))
	}
	return m
}

type visit struct {
	Name      string
	Interface bool
}

func collect(t *testing.T, r *Resolver, name string, ifaces bool) []visit {
	t.Helper()
	var out []visit
	stopped, err := r.TraverseHierarchy(nil, name, func(n string, isInterface bool) bool {
		out = append(out, visit{n, isInterface})
		return false
	}, ifaces)
	require.NoError(t, err)
	assert.False(t, stopped)
	return out
}

func TestTraverseHierarchyOrder(t *testing.T) {
	r := NewResolver(zoo(t))

	assert.Equal(t, []visit{
		{"demo/Cat", false},
		{"demo/Animal", false},
		{classfile.ObjectClass, false},
	}, collect(t, r, "demo/Cat", false))

	assert.Equal(t, []visit{
		{"demo/Cat", false},
		{"demo/Pet", true},
		{"demo/Named", true},
		{"demo/Wild", true},
		{"demo/Animal", false},
		{classfile.ObjectClass, false},
	}, collect(t, r, "demo/Cat", true), "Named is reached three times but visited once")

	assert.Equal(t, []visit{
		{"demo/Pet", true},
		{"demo/Named", true},
		{classfile.ObjectClass, false},
	}, collect(t, r, "demo/Pet", true))

	assert.Equal(t, []visit{{classfile.ObjectClass, false}}, collect(t, r, classfile.ObjectClass, true))
}

func TestTraverseHierarchyInterfaceCycle(t *testing.T) {
	m := NewMemoryLocator()
	require.NoError(t, m.AddClass(iface(t, "demo/Ping", "demo/Pong")))
	require.NoError(t, m.AddClass(iface(t, "demo/Pong", "demo/Ping")))
	require.NoError(t, m.AddClass(class(t, "demo/Rally", classfile.ObjectClass, "demo/Ping", "demo/Pong")))
	r := NewResolver(m)

	visits := collect(t, r, "demo/Rally", true)
	assert.Equal(t, []visit{
		{"demo/Rally", false},
		{"demo/Ping", true},
		{"demo/Pong", true},
		{classfile.ObjectClass, false},
	}, visits)
}

func TestTraverseHierarchyStopsEarly(t *testing.T) {
	r := NewResolver(zoo(t))
	var seen []string
	stopped, err := r.TraverseHierarchy(nil, "demo/Dog", func(n string, _ bool) bool {
		seen = append(seen, n)
		return n == "demo/Pet"
	}, true)
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, []string{"demo/Dog", "demo/Pet"}, seen)
}

func TestTraverseHierarchyMissingAncestor(t *testing.T) {
	r := NewResolver(zoo(t))
	_, err := r.TraverseHierarchy(nil, "demo/Orphan", func(string, bool) bool { return false }, false)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "demo/Missing", nf.Name)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubtypesAndCommonSuperClass(t *testing.T) {
	r := NewResolver(zoo(t))

	tests := []struct {
		sub, super string
		want       bool
	}{
		{"demo/Cat", "demo/Animal", true},
		{"demo/Cat", "demo/Named", true},
		{"demo/Dog", "demo/Wild", false},
		{"demo/Animal", "demo/Cat", false},
		{"demo/Pet", classfile.ObjectClass, true},
		{"[Ldemo/Cat;", "[Ldemo/Animal;", true},
		{"[Ldemo/Animal;", "[Ldemo/Cat;", false},
		{"[I", "[I", true},
		{"[I", "[J", false},
		{"[I", "java/lang/Cloneable", true},
		{"demo/Cat", "[Ldemo/Cat;", false},
	}
	for _, tt := range tests {
		t.Run(tt.sub+"<:"+tt.super, func(t *testing.T) {
			got, err := r.IsSubtype(nil, tt.sub, tt.super)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	scope := Scope{Resolver: r}
	for _, tt := range []struct{ a, b, want string }{
		{"demo/Cat", "demo/Dog", "demo/Animal"},
		{"demo/Cat", "demo/Animal", "demo/Animal"},
		{"demo/Cat", "demo/Pet", "demo/Pet"},
		{"demo/Pet", "demo/Wild", classfile.ObjectClass},
		{"[Ldemo/Cat;", "demo/Dog", classfile.ObjectClass},
	} {
		got, err := scope.CommonSuperClass(tt.a, tt.b)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s ^ %s", tt.a, tt.b)
	}
}

func TestLoaderDelegation(t *testing.T) {
	app := &Loader{Name: "app"}
	plugin := &Loader{Name: "plugin", Parent: app}
	r := NewResolver()

	base := class(t, "demo/Base", classfile.ObjectClass)
	_, err := r.Observe(app, base)
	require.NoError(t, err)

	e, err := r.Get(plugin, "demo/Base")
	require.NoError(t, err)
	assert.Equal(t, classfile.ObjectClass, e.Super)

	_, err = r.Get(nil, "demo/Base")
	assert.Error(t, err, "the bootstrap context does not see app classes")

	first, err := r.Observe(plugin, class(t, "demo/Ext", "demo/Base"))
	require.NoError(t, err)
	again, err := r.Observe(plugin, class(t, "demo/Ext", "demo/Other"))
	require.NoError(t, err)
	assert.Same(t, first, again, "entries are never replaced")
	assert.Len(t, r.Snapshot(plugin), 1)
	assert.Len(t, r.Snapshot(app), 1)

	// Located entries land in the requesting context.
	r.AddLocator(zoo(t))
	_, err = r.Get(plugin, "demo/Cat")
	require.NoError(t, err)
	assert.Len(t, r.Snapshot(plugin), 2)
	assert.Len(t, r.Snapshot(app), 1)
}

func TestEntryCarriesSignatureAndFlags(t *testing.T) {
	cf, pb := classfile.NewClassFile(52, classfile.AccPublic|classfile.AccSuper, "demo/Box", classfile.ObjectClass, "java/lang/Comparable")
	cf.Attributes = append(cf.Attributes, classfile.SignatureAttribute(pb, "<T:Ljava/lang/Object;>Ljava/lang/Object;Ljava/lang/Comparable<Ldemo/Box<TT;>;>;"))
	m := NewMemoryLocator()
	m.Add("demo/Box", classBytes(t, cf))

	r := NewResolver(m)
	e, err := r.Get(nil, "demo/Box")
	require.NoError(t, err)
	assert.Equal(t, "<T:Ljava/lang/Object;>Ljava/lang/Object;Ljava/lang/Comparable<Ldemo/Box<TT;>;>;", e.Signature)
	assert.Equal(t, []string{"java/lang/Comparable"}, e.Interfaces)
	assert.False(t, e.IsInterface())
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := NewResolver(zoo(t))
	_, err := r.TraverseHierarchy(nil, "demo/Cat", func(string, bool) bool { return false }, true)
	require.NoError(t, err)
	saved := r.Snapshot(nil)
	require.Len(t, saved, 5)

	path := filepath.Join(t.TempDir(), "cache", "hierarchy.cbor")
	require.NoError(t, r.SaveSnapshot(path, nil))

	restored := NewResolver()
	n, err := restored.LoadSnapshot(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, saved, restored.Snapshot(nil))

	// The restored table answers without locators.
	ok, err := restored.IsSubtype(nil, "demo/Cat", "demo/Named")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := MarshalSnapshot(saved)
	require.NoError(t, err)
	again, err := MarshalSnapshot(restored.Snapshot(nil))
	require.NoError(t, err)
	assert.Equal(t, data, again, "canonical encoding")

	_, err = UnmarshalSnapshot([]byte{0xff})
	assert.Error(t, err)
}

func TestDirAndJarLocators(t *testing.T) {
	cf, pb := classfile.NewClassFile(52, classfile.AccPublic|classfile.AccSuper, "demo/Tool", classfile.ObjectClass)
	pb.AddMethod(classfile.AccPublic|classfile.AccStatic, "run", "()V", &classfile.CodeAttribute{MaxStack: 0, MaxLocals: 0, Code: []byte{0xb1}})
	data := classBytes(t, cf)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "demo"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo", "Tool.class"), data, 0644))

	jarPath := filepath.Join(t.TempDir(), "tool.jar")
	f, err := os.Create(jarPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("demo/Tool.class")
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	for name, loc := range map[string]Locator{
		"dir": &DirLocator{Dir: dir},
		"jar": NewJarLocator(jarPath),
	} {
		t.Run(name, func(t *testing.T) {
			full, err := loc.Locate(nil, "demo/Tool", DetailFull)
			require.NoError(t, err)
			require.NotNil(t, full.FindMethod("run", "()V").Code)

			header, err := loc.Locate(nil, "demo/Tool", DetailHeader)
			require.NoError(t, err)
			assert.Nil(t, header.FindMethod("run", "()V").Code)

			_, err = loc.Locate(nil, "demo/Nope", DetailHeader)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
