package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecReturnsChildIDOnLoadSuccess(t *testing.T) {
	parent := NewThread(1, nil, nil, nil, nil)
	child := parent.AddChild(2)

	done := make(chan ID, 1)
	go func() {
		done <- Exec(child)
	}()

	ReportLoad(child, true)

	select {
	case id := <-done:
		require.Equal(t, ID(2), id)
	case <-time.After(time.Second):
		t.Fatal("Exec did not return")
	}
}

func TestExecReturnsErrorIDOnLoadFailure(t *testing.T) {
	parent := NewThread(1, nil, nil, nil, nil)
	child := parent.AddChild(2)

	done := make(chan ID, 1)
	go func() {
		done <- Exec(child)
	}()

	ReportLoad(child, false)

	select {
	case id := <-done:
		require.Equal(t, ErrorID, id)
	case <-time.After(time.Second):
		t.Fatal("Exec did not return")
	}
}

func TestWaitReturnsExitStatusExactlyOnce(t *testing.T) {
	parent := NewThread(1, nil, nil, nil, nil)
	child := parent.AddChild(2)

	go Exit(child, 42)

	require.Equal(t, 42, Wait(child))
	require.Equal(t, -1, Wait(child))
}

func TestChildByIDFindsRegisteredChild(t *testing.T) {
	parent := NewThread(1, nil, nil, nil, nil)
	parent.AddChild(2)
	c3 := parent.AddChild(3)

	require.Equal(t, c3, parent.ChildByID(3))
	require.Nil(t, parent.ChildByID(99))
}

func TestFileDescriptorAllocationAndClose(t *testing.T) {
	th := NewThread(1, nil, nil, nil, nil)
	fd1 := th.AllocFD(nil, nil)
	fd2 := th.AllocFD(nil, nil)
	require.NotEqual(t, fd1, fd2)
	require.NotNil(t, th.Descriptor(fd1))

	th.CloseDescriptor(fd1)
	require.Nil(t, th.Descriptor(fd1))
	require.NotNil(t, th.Descriptor(fd2))
}

func TestNextMappingIDIncrements(t *testing.T) {
	th := NewThread(1, nil, nil, nil, nil)
	require.Equal(t, 0, th.NextMappingID())
	require.Equal(t, 1, th.NextMappingID())
}
