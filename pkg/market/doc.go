// Package market is a thin adapter over the chain RPC for the job market
// program: it decodes market, run and job accounts and submits the
// work/finish/quit/stop instructions. Operations surface typed errors and
// never retry internally; retry policy belongs to the work loop.
package market
