// Package lwm2m models the objects an agent exposes to its management
// server: numbered objects with singleton instances, each holding a
// fixed table of readable resources whose values may be absent until
// first observed.
//
// Every object type is an *Object built from a static Schema, so the
// device, location, temperature and air-quality objects share one
// implementation and differ only in their tables.
package lwm2m
