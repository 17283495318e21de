package emu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRunTightLoop(t *testing.T) {
	m := newTestMachine(t, false)
	// addi a0, a0, -1; bnez a0, -4; wfi
	_, err := m.CreateExecuteSegment(words(
		0xFFF50513,
		0xFE051EE3,
		0x10500073,
	), 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	m.CPU.Pc = 0x2000
	m.CPU.Regs[10] = 5

	if err := m.Run(1000); err != nil {
		t.Fatal(err)
	}
	if m.CPU.Regs[10] != 0 {
		t.Fatalf("a0: got %d, want 0", m.CPU.Regs[10])
	}
	if !m.Stopped() {
		t.Fatal("machine must stop at wfi")
	}
	if m.CPU.Pc != 0x200C {
		t.Fatalf("pc after wfi: got %#x", m.CPU.Pc)
	}
	// 5 addi + 5 bnez + 1 wfi
	if m.CPU.InsCounter != 11 {
		t.Fatalf("instruction count: got %d, want 11", m.CPU.InsCounter)
	}
}

func TestRunBudgetExhaustion(t *testing.T) {
	m := newTestMachine(t, false)
	// Endless loop: jal x0, 0
	_, err := m.CreateExecuteSegment(words(0x0000006F), 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	m.CPU.Pc = 0x2000
	if err := m.Run(100); err != nil {
		t.Fatal(err)
	}
	if m.Stopped() {
		t.Fatal("budget exhaustion is not a stop")
	}
	if m.CPU.InsCounter < 100 {
		t.Fatalf("counter: got %d, want >= 100", m.CPU.InsCounter)
	}
}

func TestRunSyscall(t *testing.T) {
	m := newTestMachine(t, false)
	var got []uint64
	m.InstallSyscallHandler(64, func(m *Machine) error {
		got = append(got, m.CPU.Regs[10])
		m.CPU.Regs[10] = 99
		return nil
	})
	// li a0, 7; li a7, 64; ecall; wfi
	_, err := m.CreateExecuteSegment(words(
		0x00700513, // addi a0, x0, 7
		0x04000893, // addi a7, x0, 64
		0x00000073, // ecall
		0x10500073, // wfi
	), 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	m.CPU.Pc = 0x3000
	if err := m.Run(100); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint64{7}, got); diff != "" {
		t.Fatalf("syscall arguments (-want +got):\n%s", diff)
	}
	if m.CPU.Regs[10] != 99 {
		t.Fatalf("a0 after syscall: got %d", m.CPU.Regs[10])
	}
}

func TestRunMemoryOps(t *testing.T) {
	m := newTestMachine(t, false)
	// li a1, 1; sw a1, 0(a0); lw a2, 0(a0); wfi
	_, err := m.CreateExecuteSegment(words(
		0x00100593, // addi a1, x0, 1
		0x00B52023, // sw a1, 0(a0)
		0x00052603, // lw a2, 0(a0)
		0x10500073, // wfi
	), 0x4000)
	if err != nil {
		t.Fatal(err)
	}
	m.CPU.Pc = 0x4000
	m.CPU.Regs[10] = 0x8000
	if err := m.Run(100); err != nil {
		t.Fatal(err)
	}
	if m.CPU.Regs[12] != 1 {
		t.Fatalf("a2 after load: got %d", m.CPU.Regs[12])
	}
	v, err := m.Arena.Read(0x8000, 4)
	if err != nil || v != 1 {
		t.Fatalf("arena after store: %d, %v", v, err)
	}
}

func TestRunIllegalOpcode(t *testing.T) {
	m := newTestMachine(t, false)
	_, err := m.CreateExecuteSegment(words(0x00000000), 0x5000)
	if err != nil {
		t.Fatal(err)
	}
	m.CPU.Pc = 0x5000
	err = m.Run(10)
	if !IsMachineError(err, IllegalOpcode) {
		t.Fatalf("zero encoding: got %v", err)
	}
}

func TestRunJalLinksAndJumps(t *testing.T) {
	m := newTestMachine(t, false)
	// jal ra, +8; wfi; addi a0, a0, 3; jalr x0, ra, 0
	_, err := m.CreateExecuteSegment(words(
		0x008000EF, // jal ra, +8
		0x10500073, // wfi
		0x00350513, // addi a0, a0, 3
		0x00008067, // ret
	), 0x6000)
	if err != nil {
		t.Fatal(err)
	}
	m.CPU.Pc = 0x6000
	if err := m.Run(100); err != nil {
		t.Fatal(err)
	}
	if m.CPU.Regs[10] != 3 {
		t.Fatalf("a0: got %d, want 3", m.CPU.Regs[10])
	}
	if m.CPU.Regs[1] != 0x6004 {
		t.Fatalf("ra: got %#x, want 0x6004", m.CPU.Regs[1])
	}
}

func TestRunCompressedLoop(t *testing.T) {
	m := newTestMachine(t, true)
	// c.addi a0, -1; bnez a0, -2; wfi
	code := halfwords(0x157D)             // c.addi a0, -1
	code = append(code, words(0xFE051FE3)...) // bnez a0, -2
	code = append(code, words(0x10500073)...) // wfi
	_, err := m.CreateExecuteSegment(code, 0x7000)
	if err != nil {
		t.Fatal(err)
	}
	m.CPU.Pc = 0x7000
	m.CPU.Regs[10] = 3
	if err := m.Run(100); err != nil {
		t.Fatal(err)
	}
	if m.CPU.Regs[10] != 0 {
		t.Fatalf("a0: got %d, want 0", m.CPU.Regs[10])
	}
}
