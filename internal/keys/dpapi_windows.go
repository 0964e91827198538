//go:build windows

package keys

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// dpapiEntropy binds sealed blobs to this application.
var dpapiEntropy = []byte("wgtunnel device key")

// DPAPI seals blobs with CryptProtectData for the current user.
type DPAPI struct{}

func blobOf(b []byte) *windows.DataBlob {
	if len(b) == 0 {
		return &windows.DataBlob{}
	}
	return &windows.DataBlob{Size: uint32(len(b)), Data: &b[0]}
}

func takeBlob(out *windows.DataBlob) []byte {
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(out.Data)))
	return append([]byte(nil), unsafe.Slice(out.Data, out.Size)...)
}

// Protect encrypts plain for the current principal.
func (DPAPI) Protect(plain []byte) ([]byte, error) {
	var out windows.DataBlob
	name, _ := windows.UTF16PtrFromString("wgtunnel")
	err := windows.CryptProtectData(blobOf(plain), name, blobOf(dpapiEntropy), 0, nil, windows.CRYPTPROTECT_UI_FORBIDDEN, &out)
	if err != nil {
		return nil, err
	}
	return takeBlob(&out), nil
}

// Unprotect decrypts a blob sealed by Protect.
func (DPAPI) Unprotect(sealed []byte) ([]byte, error) {
	var out windows.DataBlob
	err := windows.CryptUnprotectData(blobOf(sealed), nil, blobOf(dpapiEntropy), 0, nil, windows.CRYPTPROTECT_UI_FORBIDDEN, &out)
	if err != nil {
		return nil, err
	}
	return takeBlob(&out), nil
}
