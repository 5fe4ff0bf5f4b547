//go:build !unix

package fileid

func statIdentity(string) (dev, ino uint64, ok bool) {
	return 0, 0, false
}
