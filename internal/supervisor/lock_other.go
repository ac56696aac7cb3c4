//go:build !unix

package supervisor

import "os"

// No advisory locking on this platform; the lock file is still created.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
