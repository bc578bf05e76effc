// Package discovery announces protoswitch servers over multicast DNS and
// finds the ones running on the local network.
//
// A server registers an "_http._tcp" service whose TXT records identify it
// as protoswitch and describe the listener:
//
//	server=protoswitch
//	path=/
//	mode=fallback
//	tls=1
//	alpn=h2,http/1.1
//	version=v1.2.0
//
// # Usage Example
//
//	adv, err := discovery.Advertise(discovery.Info{
//	    Instance: "bench",
//	    Port:     8443,
//	    Mode:     "fallback",
//	    TLS:      true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer adv.Shutdown()
//
//	instances, err := discovery.ScanForInstances(5 * time.Second)
//
// # Network Requirements
//
// - Requires multicast support on the network interface
// - Peers must be on the same local network segment
// - Firewall must allow mDNS (UDP port 5353)
package discovery
