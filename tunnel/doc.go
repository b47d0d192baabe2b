/*
Package tunnel models VortexL2's statically configured L2TPv3 Ethernet
tunnels and drives them into and out of the Linux kernel.

A Tunnel is a declaration: the endpoint addresses, the mirrored tunnel and
session identifiers shared with the peer host, the local interface index and
address, and (on the IRAN side) the TCP ports to forward across it.

Validate checks a candidate declaration against every other declaration on
the host before it is persisted, so that tunnel IDs, session IDs, interface
indices, names and forwarded ports stay unique.

A Reconciler applies declarations to a DataPlane.  Applying a tunnel issues
an ordered series of steps:

	1. create the L2TP tunnel instance
	2. create the Ethernet pseudowire session, named l2tpethN
	3. bind the interface the session created
	4. assign the interface address
	5. bring the interface up

Every step first checks whether the kernel already satisfies it, so applying
a tunnel that is already up issues no mutations.  If a step fails, the
objects created earlier in the same attempt are removed again in reverse
order and the tunnel is marked Failed.

Each tunnel moves through a small state machine:

	Absent -> Configured -> Applying -> Up
	                            |
	                            +-> Failed
	Up, Failed, Configured -> TornDown

Data planes

Two DataPlane implementations are provided.  NewNetlinkDataPlane talks to the
kernel over generic netlink (for L2TP instances) and rtnetlink (for links and
addresses).  NewNullDataPlane keeps all state in memory, which is useful for
dry runs and for tests.

Logging

The Reconciler logs using go-kit structured logging.  Pass nil to disable
logging.
*/
package tunnel
