// Package logging builds the log/slog logger sparkplugd components share.
//
//	logging:
//	  level: info      # debug, info, warn, error
//	  format: json     # json, text
//	  output: stdout   # stdout, stderr
//
// Records carry the service and version. Engines get a child logger per
// session:
//
//	log := logging.New(cfg.Logging, version)
//	node, err := engine.NewNode(engine.NodeOptions{
//	    Logger: log.Session(id.String(), sparkplug.RoleNode).Logger,
//	    ...
//	})
//
// Attributes whose key contains password, token or secret are redacted.
package logging
