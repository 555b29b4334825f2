// SPDX-License-Identifier: GPL-3.0-or-later
package main

import (
	"errors"
	"flag"
	"os"
	"time"

	"github.com/gmaul/gmaul/config"
	"github.com/gmaul/gmaul/imapconnection"
	"github.com/gmaul/gmaul/log"
	"github.com/gmaul/gmaul/persistence"
	"github.com/gmaul/gmaul/rules"
	"github.com/gmaul/gmaul/stopwords"
	"github.com/gmaul/gmaul/subjects"
	"github.com/gmaul/gmaul/triage"
	"github.com/gmaul/gmaul/whitelist"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the configuration file")
	reinitWhitelist := flag.Bool("reinit-whitelist", false, "rebuild the whitelist from the mailbox before the first cycle")
	flag.Parse()

	log.InitLogging("debug")
	logger := log.Logger(log.LOG_MAIN)

	conf, err := config.ReadConfig(*configPath)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not load config")
	}

	if conf.Loglevel != nil {
		log.SetLogLevel(*conf.Loglevel)
	}

	p, err := persistence.NewPersistence(conf.Database)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not connect to database")
	}
	defer p.Close()

	connect := imapconnection.Connector(conf.ImapHost, conf.User, conf.Password)

	whitelistManager := whitelist.NewManager(connect, conf.WhitelistFile, conf.WhitelistMaxAge(), conf.SentFolder, conf.InboxFolder)

	subjectCache := subjects.NewCache(conf.SubjectsFile, conf.SubjectExpiry())
	err = subjectCache.Load()
	if err != nil {
		logger.WithField("error", err).Warn("Could not load subject cache, starting empty")
	}

	searcher, err := buildStopwordSearcher(conf, logger)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not build stopword searcher")
	}

	chain, err := rules.NewChain(conf, whitelistManager, searcher)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not build rule chain")
	}
	logger.WithField("rules", chain.Rules()).Debug("Rule chain assembled")

	t, err := triage.NewTriage(
		connect,
		p,
		whitelistManager,
		subjectCache,
		chain,
		triage.Folders(conf.InboxFolder, conf.Trash),
		triage.Lookback(conf.Lookback()),
	)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not start triage")
	}

	if *reinitWhitelist {
		logger.Info("Rebuilding whitelist from mailbox")
		err = t.ReinitWhitelist()
		if err != nil {
			logger.WithField("error", err).Fatal("Could not rebuild whitelist")
		}
	}

	logger.WithFields(logrus.Fields{"inbox": conf.InboxFolder, "trash": conf.Trash, "interval": conf.PollInterval()}).Info("Starting triage loop")
	for {
		err = t.RunCycle()
		if err != nil {
			// A failed cycle is retried on the next tick.
			logger.WithField("error", err).Error("Cycle failed")
		}

		time.Sleep(conf.PollInterval())
	}
}

func buildStopwordSearcher(conf *config.Config, logger *logrus.Logger) (*stopwords.Searcher, error) {
	if len(conf.StopwordFile) == 0 {
		return nil, nil
	}

	lists, err := stopwords.LoadLists(conf.StopwordFile)
	if errors.Is(err, os.ErrNotExist) {
		logger.WithField("file", conf.StopwordFile).Warn("Stopword file not found, foreign-stopword rule disabled")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return stopwords.Build(lists, conf.Languages, conf.CommonWords)
}
