// Package dlog provides a conditional debug logger that compiles to a
// no-op cost check when disabled, matching the teacher's dlog package.
package dlog

import (
	"log"
)

// Enabled toggles verbose debug output. Flipped by cmd/replica's -v flag.
var Enabled = false

func Printf(format string, v ...interface{}) {
	if !Enabled {
		return
	}
	log.Printf(format, v...)
}

func Println(v ...interface{}) {
	if !Enabled {
		return
	}
	log.Println(v...)
}

// ReplicaPrintf prefixes a message with the replica id, used pervasively
// across the consensus dispatcher where every log line concerns one replica.
func ReplicaPrintf(replicaID int32, format string, v ...interface{}) {
	if !Enabled {
		return
	}
	log.Printf("replica %d: "+format, append([]interface{}{replicaID}, v...)...)
}
