package fs

import "unsafe"

// readn and writen read/write fixed-width integers at a byte offset
// using an unsafe pointer cast, exactly the technique
// biscuit/src/util/util.go's Readn/Writen use to decode on-disk
// records without per-field marshaling code. fieldr/fieldw then give
// biscuit/src/fs/super.go's indexed-field addressing over a raw sector
// buffer: field i of an 8-byte-field record lives at offset i*8.
func readn(a []byte, n, off int) int64 {
	if off < 0 || off+n > len(a) {
		panic("fs: readn out of bounds")
	}
	p := unsafe.Pointer(&a[off])
	switch n {
	case 8:
		return *(*int64)(p)
	case 4:
		return int64(*(*uint32)(p))
	case 2:
		return int64(*(*uint16)(p))
	case 1:
		return int64(*(*uint8)(p))
	default:
		panic("fs: unsupported field width")
	}
}

func writen(a []byte, n, off int, val int64) {
	if off < 0 || off+n > len(a) {
		panic("fs: writen out of bounds")
	}
	p := unsafe.Pointer(&a[off])
	switch n {
	case 8:
		*(*int64)(p) = val
	case 4:
		*(*uint32)(p) = uint32(val)
	case 2:
		*(*uint16)(p) = uint16(val)
	case 1:
		*(*uint8)(p) = uint8(val)
	default:
		panic("fs: unsupported field width")
	}
}

// fieldr/fieldw address the inode header's 8-byte fields by index.
func fieldr(a []byte, field int) int64 {
	return readn(a, 8, field*8)
}

func fieldw(a []byte, field int, v int64) {
	writen(a, 8, field*8, v)
}

// field32r/field32w address a 4-byte-entry indirect/double-indirect
// table by index -- 512/4 = 128 entries per sector, matching spec.md
// section 3's indirect-table fan-out.
func field32r(a []byte, idx int) int64 {
	return readn(a, 4, idx*4)
}

func field32w(a []byte, idx int, v int64) {
	writen(a, 4, idx*4, v)
}
