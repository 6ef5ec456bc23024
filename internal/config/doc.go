// Package config provides the build configuration for a hotserve project.
//
// The configuration is stored in hotserve.json (or hotserve.yaml) at the
// project root. Editing it while "hotserve dev" runs restarts the whole
// pipeline: both compilers are rebuilt from the new file and both listeners
// are torn down and re-bound.
//
// # Configuration File Structure
//
//	{
//	  "client": {
//	    "entryPoints": ["web/src/index.tsx"],
//	    "publicPath": "/assets/",
//	    "devPort": 7331
//	  },
//	  "server": {
//	    "package": "./cmd/server",
//	    "port": 1337,
//	    "watch": ["cmd/server", "internal"]
//	  },
//	  "dev": {
//	    "disposeTimeout": "10s"
//	  }
//	}
//
// # Usage
//
//	cfg, err := config.LoadFromWorkingDir()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Server:", cfg.ServerAddress())
package config
