// Package registry holds the authoritative set of registered agents and
// the capability index derived from it.
//
// # Capability index
//
// Every capability tag maps to the ids that declared it, in registration
// order. The index is updated under the same lock as the entry table,
// so after Register returns the id is visible under each declared tag,
// and after Deregister returns it is visible under none.
//
//	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
//	_ = reg.Register(registry.Entry{
//	    ID:           "agent_001",
//	    Name:         "Asistente",
//	    Capabilities: []string{"conversation", "commands"},
//	})
//	ids := reg.FindByCapability("conversation") // ["agent_001"]
//
// # Watching
//
// Watch hands out a buffered channel of added/removed events. Derived
// views such as the A2A discovery index follow it:
//
//	events, _ := reg.Watch()
//	for ev := range events {
//	    switch ev.Type {
//	    case registry.EventAdded:
//	    case registry.EventRemoved:
//	    }
//	}
package registry
