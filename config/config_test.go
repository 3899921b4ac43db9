package config

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
		err  bool
	}{
		{"l", ModeListenTCP, false},
		{"listen", ModeListenTCP, false},
		{"o", ModeOnce, false},
		{"ONCE", ModeOnce, false},
		{"e", ModeExecve, false},
		{"r", ModeRerun, false},
		{"rerun", ModeRerun, false},
		{"x", 0, true},
		{"", 0, true},
	}
	for _, tc := range tests {
		m, err := ParseMode(tc.in)
		if tc.err {
			require.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		require.Equal(t, tc.want, m, "input %q", tc.in)
	}
}

func TestParseIDMap(t *testing.T) {
	m, err := ParseIDMap("0:1000:1", 500, false)
	require.NoError(t, err)
	require.Equal(t, IDMap{Inside: 0, Outside: 1000, Count: 1}, m)

	m, err = ParseIDMap("0", 500, true)
	require.NoError(t, err)
	require.Equal(t, IDMap{Inside: 0, Outside: 0, Count: 1, UseHelper: true}, m)

	m, err = ParseIDMap("", 500, false)
	require.NoError(t, err)
	require.Equal(t, IDMap{Inside: 500, Outside: 500, Count: 1}, m)

	m, err = ParseIDMap("1000:100000:65536", 500, true)
	require.NoError(t, err)
	require.Equal(t, IDMap{Inside: 1000, Outside: 100000, Count: 65536, UseHelper: true}, m)

	_, err = ParseIDMap("a:b", 500, false)
	require.Error(t, err)
	_, err = ParseIDMap("1:2:3:4", 500, false)
	require.Error(t, err)
	_, err = ParseIDMap("-1", 500, false)
	require.Error(t, err)
}

func TestCloneFlags(t *testing.T) {
	j := &Jail{CloneNewUser: true, CloneNewPID: true}
	require.Equal(t, uintptr(unix.CLONE_NEWUSER|unix.CLONE_NEWPID), j.CloneFlags())

	all := &Jail{
		CloneNewNet: true, CloneNewUser: true, CloneNewNS: true,
		CloneNewPID: true, CloneNewIPC: true, CloneNewUTS: true,
		CloneNewCgroup: true,
	}
	want := uintptr(unix.CLONE_NEWNET | unix.CLONE_NEWUSER | unix.CLONE_NEWNS |
		unix.CLONE_NEWPID | unix.CLONE_NEWIPC | unix.CLONE_NEWUTS | unix.CLONE_NEWCGROUP)
	require.Equal(t, want, all.CloneFlags())
	require.Zero(t, (&Jail{}).CloneFlags())
}

func validJail() *Jail {
	return &Jail{
		Program: "/bin/true",
		Args:    []string{"/bin/true"},
		Mode:    ModeOnce,
		UIDMaps: []IDMap{{Inside: 0, Outside: 1000, Count: 1}},
		GIDMaps: []IDMap{{Inside: 0, Outside: 1000, Count: 1}},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validJail().Validate())

	j := validJail()
	j.Program = ""
	require.Error(t, j.Validate())

	j = validJail()
	j.Args = []string{"/bin/false"}
	require.Error(t, j.Validate())

	j = validJail()
	j.UIDMaps = nil
	require.Error(t, j.Validate())

	j = validJail()
	j.CloneNewUser = true
	j.GIDMaps = []IDMap{{Inside: 0, Outside: 0, Count: 0}}
	require.Error(t, j.Validate())

	j = validJail()
	j.Mode = ModeListenTCP
	require.Error(t, j.Validate(), "listen mode needs a port")
	j.Port = 31337
	require.NoError(t, j.Validate())

	j = validJail()
	j.TimeLimit = -1
	require.Error(t, j.Validate())
}

func TestInsideIDs(t *testing.T) {
	j := validJail()
	require.Equal(t, uint32(0), j.InsideUID())
	require.Equal(t, uint32(0), j.InsideGID())
}
