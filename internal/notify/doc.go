// Package notify holds the leaf domain types shared by the dispatch
// pipeline and the rule/reminder engines: recipients, monitored
// entities, and the collaborator store contracts.
package notify
