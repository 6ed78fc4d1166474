// ec2 wraps the handful of EC2 resources a rescue touches: the target and
// rescue instances, the transplanted block volume, and the temporary security
// group that scopes SSH to the operator.
//
// # Overview
//
// Every wrapper is a thin, stateful handle over a provider resource. Mutating
// calls return as soon as EC2 accepts them; each handle then blocks in
// 'poll.Until' until a fresh describe call reports the desired state. A call
// returning without error therefore means the provider is actually there.
//
// # Handles
//
//   - Instance: bind with 'Client.GetInstance' or launch with
//     'Client.CreateInstance'. Stop, Start and Terminate block on the
//     corresponding lifecycle state. A terminated handle is invalidated.
//   - Volume: bound from an instance's device mapping with 'Instance.Volume'.
//     Attach blocks until "in-use", Detach until "available".
//   - AccessGroup: created lazily by name. An existing group with the same
//     name is reused as-is; a new one gets a single TCP/22 ingress rule from
//     the caller's public IPv4 address (/32). Deletion failures are reported
//     as 'ErrCleanup' and are never fatal to a caller.
//
// All resources created here are tagged with the default tag set (see
// 'tagsDefault') so leftovers of a crashed run can be found.
package ec2
