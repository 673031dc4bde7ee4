/*
Package config manages configuration parsing and validation for migrc.

	            +-------------+
	            |   Config    |
	            | (Settings)  |
	            +------+------+
	                   |
	     +-------------+-------------+
	     |             |             |
	+----+----+   +----+----+   +----+----+
	|  YAML   |   |   HCL   |   |  JSON   |
	| Parser  |   | Parser  |   | Parser  |
	+---------+   +---------+   +---------+

🎯 Purpose:
- Loads the migration config chosen by file extension
- Fills defaults before decoding so absent fields keep them
- Validates values before a session starts
- Resolves the catalog tree and the rule registry a session needs

🔄 Flow:
1. Reads the configuration file
2. Picks a registered Parser by extension
3. Decodes on top of Default()
4. Validates, including that rollback needs backups
5. Tree() and Registry() turn the config into catalog and rule values

📝 Sections:

	project            name carried into reports
	paths              backup_dir, report_dir, required
	patterns           exclude globs applied to every kind
	kinds              per-kind include/exclude overrides
	migration          batch_size, parallel_threads, backup_enabled, rollback_enabled,
	                   interactive, max_failures, max_backup_errors, lock_timeout,
	                   lock_retries, keep_backups
	logging            level, file, format, max_size
	rules              inline rule specs
	rule_files         external rule catalogs, relative to the config file

HCL files may reference the project directory:

	paths {
	  backup_dir = "${project_dir}/.migrc/backups"
	}

	rule "struts-action" {
	  type    = "literal"
	  kinds   = ["source"]
	  find    = "org.apache.struts.action.Action"
	  replace = "com.opensymphony.xwork2.Action"
	}

🔍 Example:

	cfg, err := config.Load(ctx, "migrc.yaml", projectDir)
	if err != nil {
		return err
	}
	tree, err := cfg.Tree(projectDir)
	if err != nil {
		return err
	}
	registry, err := cfg.Registry(ctx)
*/
package config
