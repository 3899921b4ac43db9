package mount

import (
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestPlanPoints(t *testing.T) {
	p := Plan{Chroot: "/", TmpfsSize: 4096}
	p.AddProc(true)
	p.AddBind("/bin", "/bin", true)
	p.AddBind("/var/tmp", "/var/tmp", false)
	p.AddTmpfs("/scratch")

	if len(p.Points) != 4 {
		t.Fatalf("expected 4 points, got %d", len(p.Points))
	}
	if p.Points[0].FsType != "proc" || p.Points[0].Flags&unix.MS_RDONLY == 0 {
		t.Errorf("proc point wrong: %v", p.Points[0])
	}
	if p.Points[1].Flags&unix.MS_RDONLY == 0 {
		t.Error("read-only bind lost MS_RDONLY")
	}
	if p.Points[2].Flags&unix.MS_RDONLY != 0 {
		t.Error("read-write bind gained MS_RDONLY")
	}
	if p.Points[3].Data != "size=4096" {
		t.Errorf("tmpfs data %q", p.Points[3].Data)
	}
	// operator-supplied absolute targets become relative to the staged root
	for _, pt := range p.Points {
		if strings.HasPrefix(pt.Target, "/") {
			t.Errorf("target %q must be relative", pt.Target)
		}
	}
}

func TestCompile(t *testing.T) {
	p := Plan{Chroot: "/", TmpfsSize: 1024}
	p.AddProc(true)
	p.AddBind("/bin", "/usr/local/bin", true)

	raw, err := p.Compile("/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if raw.Chroot == nil || raw.Staging == nil || raw.TmpfsData == nil {
		t.Fatal("staging parameters not converted")
	}
	if len(raw.Points) != 2 {
		t.Fatalf("expected 2 raw points, got %d", len(raw.Points))
	}
	// usr, usr/local, usr/local/bin
	if got := len(raw.Points[1].MkdirPrefixes); got != 3 {
		t.Errorf("expected 3 mkdir prefixes, got %d", got)
	}
	if raw.SealFlags == 0 {
		t.Error("default plan must seal the root read-only")
	}
	if raw.SealFlags&unix.MS_RDONLY == 0 {
		t.Error("seal flags missing MS_RDONLY")
	}
}

func TestCompileRejectsMissingSources(t *testing.T) {
	p := Plan{Chroot: "/this/path/should/not/exist"}
	if _, err := p.Compile("/tmp"); err == nil {
		t.Error("expected error for missing chroot")
	}

	p = Plan{Chroot: "/"}
	p.AddBind("/this/path/should/not/exist", "/x", true)
	if _, err := p.Compile("/tmp"); err == nil {
		t.Error("expected error for missing bind source")
	}
}

func TestCompileRootRW(t *testing.T) {
	p := Plan{Chroot: "/", RootRW: true}
	raw, err := p.Compile("/tmp")
	if err != nil {
		t.Fatal(err)
	}
	if raw.SealFlags != 0 {
		t.Error("rw root must not be sealed")
	}
}

func TestMkdirPrefixes(t *testing.T) {
	got := mkdirPrefixes("a/b/c")
	want := []string{"a", "a/b", "a/b/c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if got := mkdirPrefixes("proc"); len(got) != 1 || got[0] != "proc" {
		t.Errorf("single component: %v", got)
	}
}

func TestString(t *testing.T) {
	p := Plan{Chroot: "/srv/root"}
	p.AddProc(true)
	p.AddBind("/bin", "/bin", true)
	s := p.String()
	for _, sub := range []string{"root=/srv/root", "(ro)", "proc[proc]", "bind[/bin:bin:ro]"} {
		if !strings.Contains(s, sub) {
			t.Errorf("%q missing from %q", sub, s)
		}
	}
	if s := (Plan{RootRW: true}).String(); !strings.Contains(s, "root=tmpfs(rw)") {
		t.Errorf("tmpfs render %q", s)
	}
}
