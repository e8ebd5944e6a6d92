/*

Package payout implements a batch fund distributor.

A pool is an account that collects funds of a single ticker and pays them
out to a fixed, ordered list of recipients according to a percentage split
vector supplied with each forward request. Because a recipient list can be
long, a single forward call processes only a window of the list, bounded by
the pool batch size. The forwarder covers the whole list by issuing calls
with increasing start indices; the module keeps no cursor of its own.

Three addresses control a pool. The operator funds the pool and maintains
the recipient list and the batch size. The forwarder executes payouts. The
admin can sweep whatever is left on the pool account to a recovery address.

Each recipient of a forward call receives amount * split / 100, rounded
down to whole tokens. Remainders are not redistributed; they accumulate on
the pool account until the admin recovers them.

*/
package payout
