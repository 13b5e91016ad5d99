package sched

// gStackGuard is the distance between the low end of a stack and the
// stackguard0 value installed by archSwitch. It matches the guard size the
// linker reserves for nosplit call chains on amd64.
const gStackGuard = 928

// archSwitch transfers control to the kernel stack whose saved stack pointer
// is rsp.
//
// When saveRSP is not nil, RFLAGS and the callee-saved registers RBP, RBX and
// R12-R15 are pushed onto the current stack and the resulting stack pointer
// is stored at saveRSP. Resuming a stack saved this way pops the same
// registers and returns to the caller of the archSwitch call that saved it.
//
// Before the new stack pointer is used, the bounds of the running g (the g0
// installed by the rt0 code and reachable through TLS) are repointed at
// [stackLo, stackHi) and both stack guards are set to stackLo+gStackGuard.
// Function prologues that run on the target stack therefore check against the
// stack they are actually using. The rt0 code must leave a valid g pointer in
// TLS for this to work.
//
// When firstRun is set, rsp must point to a gate.Frame. All general purpose
// registers are cleared and the frame is consumed by IRETQ.
//
//go:noescape
func archSwitch(saveRSP *uintptr, rsp, stackLo, stackHi uintptr, firstRun bool)
