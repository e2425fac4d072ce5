//go:build !unix

package supervisor

import "os"

var terminateSignal = os.Kill

func signalOf(*os.ProcessState) (int, string) { return 0, "" }
