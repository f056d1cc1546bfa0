// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wait

import "github.com/provgate/provgate/prov"

var log = prov.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger prov.Logger) {
	log = logger
}
