// Package serialization reads and writes network weights in the .born format.
//
//	Format Structure (version 2):
//	  0x00 [4 bytes: Magic "BORN"]
//	  0x04 [4 bytes: Version (uint32 LE)]
//	  0x08 [4 bytes: Flags (uint32 LE)]
//	  0x0C [4 bytes: Reserved]
//	  0x10 [8 bytes: Header Size (uint64 LE)]
//	  0x18 [8 bytes: Data Size (uint64 LE)]
//	  0x20 [32 bytes: SHA-256 of the tensor data]
//	  0x40 [Header: JSON metadata]
//	       [Tensor data: raw little-endian bytes, 64-byte aligned]
//
// Tensors are written in sorted name order, so equal state dicts produce
// byte-identical tensor sections and checksums.
//
// Example usage:
//
//	if err := serialization.WriteFile("brn.born", net.StateDict(), "standard", meta); err != nil {
//	    return err
//	}
//
//	stateDict, header, err := serialization.ReadFile("brn.born", tensor.CPU)
//	if err != nil {
//	    return err
//	}
//	err = net.LoadStateDict(stateDict)
package serialization
