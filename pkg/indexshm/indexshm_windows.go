//go:build windows

// pkg/indexshm/indexshm_windows.go
package indexshm

import (
	"os"
	"reflect"
	"unsafe"

	"golang.org/x/sys/windows"
)

var mapHandles = map[uintptr]windows.Handle{}

func mmapFile(f *os.File, size int) ([]byte, error) {
	mapHandle, err := windows.CreateFileMapping(
		windows.Handle(f.Fd()),
		nil,
		windows.PAGE_READWRITE,
		uint32(uint64(size)>>32),
		uint32(uint64(size)&0xFFFFFFFF),
		nil,
	)
	if err != nil {
		return nil, err
	}

	addr, err := windows.MapViewOfFile(mapHandle, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(mapHandle)
		return nil, err
	}

	var data []byte
	header := (*reflect.SliceHeader)(unsafe.Pointer(&data))
	header.Data = addr
	header.Len = size
	header.Cap = size

	mapHandles[addr] = mapHandle
	return data, nil
}

func munmapFile(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&data[0]))

	if err := windows.FlushViewOfFile(addr, uintptr(len(data))); err != nil {
		return err
	}
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return err
	}
	if h, ok := mapHandles[addr]; ok {
		delete(mapHandles, addr)
		return windows.CloseHandle(h)
	}
	return nil
}
